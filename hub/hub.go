package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"

	"chat-relay-server/domain"
	"chat-relay-server/metrics"
)

// room members are kept in join order; broadcast iterates the slice as-is.
// dead is set under mu before the room leaves the registry map, so a
// caller holding a stale pointer cannot mutate a torn-down room.
type room struct {
	mu      sync.Mutex
	owner   string
	members []domain.Connection
	dead    bool
}

// Hub is the room registry: room id -> members + owner. All membership
// mutation and every read-then-broadcast over a member list happens
// under that room's mutex, so a destroy can never race a join into
// notifying a half-registered member.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
	}
}

// CreateRoom registers a new room with a fresh 5-digit id, the issuing
// connection as sole member and userID as owner. The id is redrawn
// until it does not collide with a live room.
func (h *Hub) CreateRoom(userID string, conn domain.Connection) string {
	h.mu.Lock()
	var id string
	for {
		id = strconv.Itoa(rand.Intn(90000) + 10000)
		if _, taken := h.rooms[id]; !taken {
			break
		}
	}
	h.rooms[id] = &room{owner: userID, members: []domain.Connection{conn}}
	h.mu.Unlock()

	metrics.RoomsActive.Inc()
	slog.Info("room created", "room", id, "owner", userID)
	return id
}

// JoinRoom appends the connection to the room's member list and tells
// the other members. Joining a room that does not exist fails; it is
// never created on the fly, since such a room would have no owner.
func (h *Hub) JoinRoom(roomID, userID string, conn domain.Connection) error {
	r := h.room(roomID)
	if r == nil {
		return domain.ErrRoomNotFound
	}

	notice := mustMarshal(domain.Message{
		Action: domain.ActionSystem,
		Text:   fmt.Sprintf("%s has joined the chat", userID),
	})

	r.mu.Lock()
	if r.dead {
		// Destroyed (or emptied out) between the lookup and here.
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	others := len(r.members)
	for _, m := range r.members {
		deliver(m, notice)
	}
	r.members = append(r.members, conn)
	r.mu.Unlock()

	metrics.BroadcastsTotal.WithLabelValues("system").Inc()
	slog.Info("client joined", "room", roomID, "userId", userID, "clientId", conn.ID(), "others", others)
	return nil
}

// BroadcastRaw sends the original bytes to every open member, the
// sender included. Echo-to-self is required behavior.
func (h *Hub) BroadcastRaw(roomID string, data []byte) {
	r := h.room(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	for _, m := range r.members {
		deliver(m, data)
	}
	r.mu.Unlock()

	metrics.BroadcastsTotal.WithLabelValues("message").Inc()
}

// BroadcastFileDelete tells every member, sender included, that a
// shared file was retracted. The blob itself is the upload gateway's
// problem; this is notice-only.
func (h *Hub) BroadcastFileDelete(roomID, userID, url, filename string) {
	h.broadcast(roomID, "deleteFile", domain.Message{
		Action:   domain.ActionDeleteFile,
		UserID:   userID,
		URL:      url,
		Filename: filename,
	})
}

// BroadcastClear tells every member, sender included, to clear their
// chat view. The notice text embeds the shortcut that triggered it.
func (h *Hub) BroadcastClear(roomID, userID, shortcut string) {
	h.broadcast(roomID, "clearChat", domain.Message{
		Action: domain.ActionClearChat,
		UserID: userID,
		Text:   fmt.Sprintf("%s cleared the chat (%s)", userID, shortcut),
	})
}

// DestroyRoom tears the room down: every member gets one roomDestroyed
// notice, every handle is force-closed, then the room and its owner
// record are dropped. Only the recorded owner may destroy; anyone else
// is ignored without a reply.
func (h *Hub) DestroyRoom(roomID, requesterID string) bool {
	h.mu.Lock()
	r := h.rooms[roomID]
	if r == nil {
		h.mu.Unlock()
		return false
	}

	r.mu.Lock()
	if r.owner == "" || r.owner != requesterID {
		r.mu.Unlock()
		h.mu.Unlock()
		slog.Debug("destroy denied", "room", roomID, "requester", requesterID)
		return false
	}

	notice := mustMarshal(domain.Message{
		Action: domain.ActionRoomDestroyed,
		Room:   roomID,
		Text:   "room destroyed by owner",
	})
	for _, m := range r.members {
		deliver(m, notice)
	}
	for _, m := range r.members {
		_ = m.Close()
	}
	r.members = nil
	r.dead = true
	r.mu.Unlock()

	delete(h.rooms, roomID)
	h.mu.Unlock()

	metrics.RoomsActive.Dec()
	metrics.BroadcastsTotal.WithLabelValues("roomDestroyed").Inc()
	slog.Info("room destroyed", "room", roomID, "owner", requesterID)
	return true
}

// Leave removes the connection from the room and notifies the rest.
// Leaving a room that is already gone (destroyed, or never existed) is
// a no-op, so disconnect cleanup racing a destroy stays safe.
func (h *Hub) Leave(roomID, userID string, conn domain.Connection) {
	r := h.room(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	removed := false
	for i, m := range r.members {
		if m.ID() == conn.ID() {
			r.members = append(r.members[:i], r.members[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		r.mu.Unlock()
		return
	}
	if userID != "" && len(r.members) > 0 {
		notice := mustMarshal(domain.Message{
			Action: domain.ActionSystem,
			Text:   fmt.Sprintf("%s has left the chat", userID),
		})
		for _, m := range r.members {
			deliver(m, notice)
		}
		metrics.BroadcastsTotal.WithLabelValues("system").Inc()
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	slog.Info("client left", "room", roomID, "userId", userID, "clientId", conn.ID())

	if empty {
		h.mu.Lock()
		if cur, ok := h.rooms[roomID]; ok && cur == r {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				cur.dead = true
				delete(h.rooms, roomID)
				metrics.RoomsActive.Dec()
				slog.Info("room removed", "room", roomID)
			}
			cur.mu.Unlock()
		}
		h.mu.Unlock()
	}
}

// Stats reports live room and member counts.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.Lock()
		clients += len(r.members)
		r.mu.Unlock()
	}
	return rooms, clients
}

func (h *Hub) room(roomID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) broadcast(roomID, kind string, msg domain.Message) {
	r := h.room(roomID)
	if r == nil {
		return
	}
	data := mustMarshal(msg)

	r.mu.Lock()
	for _, m := range r.members {
		deliver(m, data)
	}
	r.mu.Unlock()

	metrics.BroadcastsTotal.WithLabelValues(kind).Inc()
}

// deliver is best-effort: closed members are skipped, a full outbound
// buffer drops the frame for that member only.
func deliver(m domain.Connection, data []byte) {
	if !m.IsOpen() {
		return
	}
	if err := m.Send(data); err != nil {
		slog.Debug("send skipped", "clientId", m.ID(), "error", err)
	}
}

func mustMarshal(msg domain.Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Message has only string fields; this cannot happen.
		panic(err)
	}
	return data
}
