package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"chat-relay-server/domain"
)

// Session is the per-connection router. It starts unbound and becomes
// bound to a room plus user identity on the first successful create or
// join. A later create/join rebinds: the old room is left first, so a
// connection belongs to at most one room at a time.
type Session struct {
	registry domain.Registry

	mu     sync.Mutex
	room   string
	user   string
	closed bool
}

func NewSession(registry domain.Registry) *Session {
	return &Session{registry: registry}
}

// Handle parses one inbound frame and dispatches on its action tag.
// Malformed JSON and unknown actions are logged and discarded; the
// connection stays open.
func (s *Session) Handle(conn domain.Connection, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid frame", "clientId", conn.ID(), "error", err)
		return
	}

	switch msg.Action {
	case domain.ActionCreate:
		// A room created for an empty identity would have no owner and
		// could never be destroyed, so the identity is required here.
		if msg.UserID == "" {
			slog.Warn("missing userId", "clientId", conn.ID(), "action", msg.Action)
			return
		}
		s.create(conn, msg)
	case domain.ActionJoin:
		if msg.UserID == "" {
			slog.Warn("missing userId", "clientId", conn.ID(), "action", msg.Action)
			return
		}
		s.join(conn, msg)
	case domain.ActionMessage:
		if room, ok := s.bound(conn, msg.Action); ok {
			// Forwarded byte-for-byte, text and file references alike.
			s.registry.BroadcastRaw(room, data)
		}
	case domain.ActionDeleteFile:
		if room, ok := s.bound(conn, msg.Action); ok {
			s.registry.BroadcastFileDelete(room, s.userID(), msg.URL, msg.Filename)
		}
	case domain.ActionClearChat:
		if room, ok := s.bound(conn, msg.Action); ok {
			s.registry.BroadcastClear(room, s.userID(), msg.Text)
		}
	case domain.ActionDestroyRoom:
		if room, ok := s.bound(conn, msg.Action); ok {
			s.registry.DestroyRoom(room, s.userID())
		}
	default:
		slog.Warn("unknown action", "clientId", conn.ID(), "action", msg.Action)
	}
}

// Closed runs the leave cleanup. The read loop calls it exactly once
// on exit; the guard keeps a duplicate call harmless.
func (s *Session) Closed(conn domain.Connection) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	room, user := s.room, s.user
	s.mu.Unlock()

	if room != "" {
		s.registry.Leave(room, user, conn)
	}
}

func (s *Session) create(conn domain.Connection, msg domain.Message) {
	s.unbind(conn)

	id := s.registry.CreateRoom(msg.UserID, conn)
	s.bind(id, msg.UserID)
	s.reply(conn, domain.Message{Action: domain.ActionRoomCreated, Room: id})
}

func (s *Session) join(conn domain.Connection, msg domain.Message) {
	s.unbind(conn)

	if err := s.registry.JoinRoom(msg.Room, msg.UserID, conn); err != nil {
		slog.Warn("join failed", "clientId", conn.ID(), "room", msg.Room, "error", err)
		s.reply(conn, domain.Message{
			Action: domain.ActionSystem,
			Text:   fmt.Sprintf("room %s not found", msg.Room),
		})
		return
	}
	s.bind(msg.Room, msg.UserID)
	s.reply(conn, domain.Message{
		Action: domain.ActionSystem,
		Room:   msg.Room,
		Text:   fmt.Sprintf("joined room %s", msg.Room),
	})
}

// unbind leaves any previously bound room before a rebind.
func (s *Session) unbind(conn domain.Connection) {
	s.mu.Lock()
	room, user := s.room, s.user
	s.room, s.user = "", ""
	s.mu.Unlock()

	if room != "" {
		s.registry.Leave(room, user, conn)
	}
}

func (s *Session) bind(room, user string) {
	s.mu.Lock()
	s.room, s.user = room, user
	s.mu.Unlock()
}

func (s *Session) bound(conn domain.Connection, action string) (string, bool) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		slog.Warn("action before join", "clientId", conn.ID(), "action", action)
		return "", false
	}
	return room, true
}

func (s *Session) userID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) reply(conn domain.Connection, msg domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("reply dropped", "clientId", conn.ID(), "error", err)
	}
}
