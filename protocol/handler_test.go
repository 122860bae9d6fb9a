package protocol

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay-server/domain"
)

type mockConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }
func (m *mockConn) IsOpen() bool { return true }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *mockConn) lastSent(t *testing.T) domain.Message {
	t.Helper()
	sent := m.getSent()
	require.NotEmpty(t, sent)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(sent[len(sent)-1], &msg))
	return msg
}

type registryCall struct {
	op       string
	room     string
	user     string
	data     []byte
	url      string
	filename string
	shortcut string
}

type mockRegistry struct {
	mu       sync.Mutex
	calls    []registryCall
	createID string
	joinErr  error
}

func (m *mockRegistry) record(c registryCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockRegistry) getCalls() []registryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockRegistry) callsFor(op string) []registryCall {
	var out []registryCall
	for _, c := range m.getCalls() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockRegistry) CreateRoom(owner string, conn domain.Connection) string {
	m.record(registryCall{op: "create", user: owner})
	if m.createID == "" {
		return "12345"
	}
	return m.createID
}

func (m *mockRegistry) JoinRoom(roomID, userID string, conn domain.Connection) error {
	if m.joinErr != nil {
		return m.joinErr
	}
	m.record(registryCall{op: "join", room: roomID, user: userID})
	return nil
}

func (m *mockRegistry) BroadcastRaw(roomID string, data []byte) {
	m.record(registryCall{op: "raw", room: roomID, data: data})
}

func (m *mockRegistry) BroadcastFileDelete(roomID, userID, url, filename string) {
	m.record(registryCall{op: "deleteFile", room: roomID, user: userID, url: url, filename: filename})
}

func (m *mockRegistry) BroadcastClear(roomID, userID, shortcut string) {
	m.record(registryCall{op: "clearChat", room: roomID, user: userID, shortcut: shortcut})
}

func (m *mockRegistry) DestroyRoom(roomID, requesterID string) bool {
	m.record(registryCall{op: "destroy", room: roomID, user: requesterID})
	return true
}

func (m *mockRegistry) Leave(roomID, userID string, conn domain.Connection) {
	m.record(registryCall{op: "leave", room: roomID, user: userID})
}

func (m *mockRegistry) Stats() (int, int) { return 0, 0 }

func frame(t *testing.T, msg domain.Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestSession_Create(t *testing.T) {
	reg := &mockRegistry{createID: "54321"}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionCreate, UserID: "U1"}))

	creates := reg.callsFor("create")
	require.Len(t, creates, 1)
	assert.Equal(t, "U1", creates[0].user)

	reply := conn.lastSent(t)
	assert.Equal(t, domain.ActionRoomCreated, reply.Action)
	assert.Equal(t, "54321", reply.Room)
}

func TestSession_Join(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionJoin, UserID: "U2", Room: "12345"}))

	joins := reg.callsFor("join")
	require.Len(t, joins, 1)
	assert.Equal(t, "12345", joins[0].room)
	assert.Equal(t, "U2", joins[0].user)

	reply := conn.lastSent(t)
	assert.Equal(t, domain.ActionSystem, reply.Action)
	assert.Contains(t, reply.Text, "joined room 12345")
}

func TestSession_JoinRoomNotFound(t *testing.T) {
	reg := &mockRegistry{joinErr: domain.ErrRoomNotFound}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionJoin, UserID: "U2", Room: "99999"}))

	reply := conn.lastSent(t)
	assert.Equal(t, domain.ActionSystem, reply.Action)
	assert.Contains(t, reply.Text, "room 99999 not found")

	// The session stayed unbound: a message goes nowhere.
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionMessage, Text: "hi"}))
	assert.Empty(t, reg.callsFor("raw"))
}

func TestSession_MessageForwardsRawBytes(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionCreate, UserID: "U1"}))

	raw := []byte(`{"action":"message","userId":"U1","type":"file","url":"/uploads/a.png","filename":"a.png"}`)
	s.Handle(conn, raw)

	raws := reg.callsFor("raw")
	require.Len(t, raws, 1)
	assert.Equal(t, "12345", raws[0].room)
	assert.Equal(t, raw, raws[0].data)
}

func TestSession_BoundActionsBeforeBindAreDiscarded(t *testing.T) {
	actions := []string{
		domain.ActionMessage,
		domain.ActionDeleteFile,
		domain.ActionClearChat,
		domain.ActionDestroyRoom,
	}

	for _, action := range actions {
		t.Run(action, func(t *testing.T) {
			reg := &mockRegistry{}
			s := NewSession(reg)
			conn := &mockConn{id: "c1"}

			s.Handle(conn, frame(t, domain.Message{Action: action, UserID: "U1"}))

			assert.Empty(t, reg.getCalls())
			assert.Empty(t, conn.getSent())
		})
	}
}

func TestSession_DispatchUsesSessionIdentity(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionCreate, UserID: "U1"}))

	// The userId inside later frames is ignored; the identity bound at
	// create time is what reaches the registry.
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionDeleteFile, UserID: "spoofed", URL: "/uploads/a.png", Filename: "a.png"}))
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionClearChat, UserID: "spoofed", Text: "/clear"}))
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionDestroyRoom, UserID: "spoofed"}))

	deletes := reg.callsFor("deleteFile")
	require.Len(t, deletes, 1)
	assert.Equal(t, "U1", deletes[0].user)
	assert.Equal(t, "/uploads/a.png", deletes[0].url)
	assert.Equal(t, "a.png", deletes[0].filename)

	clears := reg.callsFor("clearChat")
	require.Len(t, clears, 1)
	assert.Equal(t, "U1", clears[0].user)
	assert.Equal(t, "/clear", clears[0].shortcut)

	destroys := reg.callsFor("destroy")
	require.Len(t, destroys, 1)
	assert.Equal(t, "12345", destroys[0].room)
	assert.Equal(t, "U1", destroys[0].user)
}

func TestSession_RebindLeavesOldRoom(t *testing.T) {
	reg := &mockRegistry{createID: "11111"}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionCreate, UserID: "U1"}))

	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionJoin, UserID: "U1", Room: "22222"}))

	leaves := reg.callsFor("leave")
	require.Len(t, leaves, 1)
	assert.Equal(t, "11111", leaves[0].room)
	assert.Equal(t, "U1", leaves[0].user)

	joins := reg.callsFor("join")
	require.Len(t, joins, 1)
	assert.Equal(t, "22222", joins[0].room)
}

func TestSession_CreateAndJoinRequireUserID(t *testing.T) {
	for _, action := range []string{domain.ActionCreate, domain.ActionJoin} {
		t.Run(action, func(t *testing.T) {
			reg := &mockRegistry{}
			s := NewSession(reg)
			conn := &mockConn{id: "c1"}

			s.Handle(conn, frame(t, domain.Message{Action: action, Room: "12345"}))

			assert.Empty(t, reg.getCalls())
			assert.Empty(t, conn.getSent())

			// Still unbound: bound-only actions stay discarded.
			s.Handle(conn, frame(t, domain.Message{Action: domain.ActionMessage, Text: "hi"}))
			assert.Empty(t, reg.callsFor("raw"))
		})
	}
}

func TestSession_InvalidJSON(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Handle(conn, []byte("not json"))

	assert.Empty(t, reg.getCalls())
	assert.Empty(t, conn.getSent())
}

func TestSession_UnknownAction(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Handle(conn, frame(t, domain.Message{Action: "teleport", UserID: "U1"}))

	assert.Empty(t, reg.getCalls())
	assert.Empty(t, conn.getSent())
}

func TestSession_ClosedRunsLeaveOnce(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}
	s.Handle(conn, frame(t, domain.Message{Action: domain.ActionCreate, UserID: "U1"}))

	s.Closed(conn)
	s.Closed(conn)

	leaves := reg.callsFor("leave")
	require.Len(t, leaves, 1)
	assert.Equal(t, "12345", leaves[0].room)
	assert.Equal(t, "U1", leaves[0].user)
}

func TestSession_ClosedWhileUnboundIsNoop(t *testing.T) {
	reg := &mockRegistry{}
	s := NewSession(reg)
	conn := &mockConn{id: "c1"}

	s.Closed(conn)

	assert.Empty(t, reg.getCalls())
}
