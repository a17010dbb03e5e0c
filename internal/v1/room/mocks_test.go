package room

import (
	"context"
	"sync"

	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

// MockConn implements types.ClientConn for testing, recording every message
// in arrival order.
type MockConn struct {
	mu           sync.Mutex
	id           types.ClientIDType
	sent         []*protocol.Message
	disconnected bool
}

func NewMockConn(id string) *MockConn {
	return &MockConn{id: types.ClientIDType(id)}
}

func (m *MockConn) GetID() types.ClientIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *MockConn) SetID(id types.ClientIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

func (m *MockConn) Send(msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

func (m *MockConn) SendRaw(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

func (m *MockConn) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *MockConn) IsDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// Sent returns a copy of every message received so far.
func (m *MockConn) Sent() []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// OfType filters recorded messages by type, preserving order.
func (m *MockConn) OfType(t protocol.Type) []*protocol.Message {
	var out []*protocol.Message
	for _, msg := range m.Sent() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// LastOfType returns the most recent message of the given type, or nil.
func (m *MockConn) LastOfType(t protocol.Type) *protocol.Message {
	msgs := m.OfType(t)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// MockArchiver records SaveSnapshot calls.
type MockArchiver struct {
	mu    sync.Mutex
	saves []savedSnapshot
}

type savedSnapshot struct {
	roomID  string
	version int64
	doc     []byte
}

func (a *MockArchiver) SaveSnapshot(_ context.Context, roomID string, version int64, doc []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves = append(a.saves, savedSnapshot{roomID: roomID, version: version, doc: doc})
	return nil
}

func (a *MockArchiver) LoadSnapshot(context.Context, string) (*types.Snapshot, error) {
	return nil, nil
}

func (a *MockArchiver) Ping(context.Context) error { return nil }
func (a *MockArchiver) Close() error               { return nil }

func (a *MockArchiver) SaveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saves)
}
