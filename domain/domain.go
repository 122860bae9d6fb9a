package domain

import "errors"

// Inbound actions.
const (
	ActionCreate      = "create"
	ActionJoin        = "join"
	ActionMessage     = "message"
	ActionDeleteFile  = "deleteFile"
	ActionClearChat   = "clearChat"
	ActionDestroyRoom = "destroyRoom"
)

// Outbound actions.
const (
	ActionRoomCreated   = "roomCreated"
	ActionSystem        = "system"
	ActionRoomDestroyed = "roomDestroyed"
)

// TypeFile marks a message payload carrying a file reference.
const TypeFile = "file"

// ErrRoomNotFound is returned by JoinRoom when the room id is not live.
// Joining never creates a room: a lazily-created room would have no
// owner and could never be destroyed.
var ErrRoomNotFound = errors.New("room not found")

// Message is the single wire shape. Only the fields relevant to an
// action are set; the rest stay empty and are dropped by omitempty.
type Message struct {
	Action   string `json:"action"`
	UserID   string `json:"userId,omitempty"`
	Room     string `json:"room,omitempty"`
	Text     string `json:"text,omitempty"`
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Connection is one client's persistent duplex channel.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// Registry tracks live rooms, their ordered members and their owners.
// Broadcast order follows join order; members not open at broadcast
// time are skipped silently.
type Registry interface {
	CreateRoom(owner string, conn Connection) string
	JoinRoom(roomID, userID string, conn Connection) error
	BroadcastRaw(roomID string, data []byte)
	BroadcastFileDelete(roomID, userID, url, filename string)
	BroadcastClear(roomID, userID, shortcut string)
	DestroyRoom(roomID, requesterID string) bool
	Leave(roomID, userID string, conn Connection)
	Stats() (rooms, clients int)
}

// MessageHandler consumes inbound frames and the close event for a
// connection. Closed runs the leave cleanup and must be called exactly
// once per connection, after the last Handle.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Closed(conn Connection)
}
