package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsync/collab/internal/v1/protocol"
)

// fakeConn is an in-memory wsConnection capturing writes.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	inbound chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, websocket.ErrCloseSent
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.TextMessage {
		f.written = append(f.written, data)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestWritePumpPreservesSendOrder(t *testing.T) {
	hub := NewHub(Options{})
	defer shutdownHub(t, hub)

	conn := newFakeConn()
	client := newClient(hub, conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump()
	}()

	// Wire order must match send order: a join's doc-snapshot precedes its
	// presence-snapshot, and a recovery snapshot must not overtake a steps
	// broadcast queued before it (the client applies steps unconditionally,
	// so a reorder would double-apply them on top of the snapshot).
	client.Send(&protocol.Message{Type: protocol.TypeSteps})
	client.Send(&protocol.Message{Type: protocol.TypeDocSnapshot})
	client.Send(&protocol.Message{Type: protocol.TypePresenceSnapshot})
	client.Send(&protocol.Message{Type: protocol.TypeHistory})
	client.Send(&protocol.Message{Type: protocol.TypeAck})
	client.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit after Disconnect")
	}

	want := []protocol.Type{
		protocol.TypeSteps,
		protocol.TypeDocSnapshot,
		protocol.TypePresenceSnapshot,
		protocol.TypeHistory,
		protocol.TypeAck,
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	var got []protocol.Type
	for _, data := range conn.written {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		got = append(got, msg.Type)
	}
	assert.Equal(t, want, got)
}

func TestClientSendRawAfterDisconnectDropped(t *testing.T) {
	hub := NewHub(Options{})
	defer shutdownHub(t, hub)

	client := newClient(hub, newFakeConn())
	client.Disconnect()

	// Must not panic on the closed channel.
	client.SendRaw([]byte(`{"type":"steps"}`))
	client.Send(&protocol.Message{Type: protocol.TypeError})
}

func TestClientDisconnectIdempotent(t *testing.T) {
	hub := NewHub(Options{})
	defer shutdownHub(t, hub)

	client := newClient(hub, newFakeConn())
	client.Disconnect()
	client.Disconnect()
}

func TestClientMembershipTracking(t *testing.T) {
	hub := NewHub(Options{})
	defer shutdownHub(t, hub)

	client := newClient(hub, newFakeConn())
	client.addMembership("doc-1")
	client.addMembership("doc-2")
	client.removeMembership("doc-1")

	rooms := client.memberships()
	require.Len(t, rooms, 1)
	assert.Equal(t, "doc-2", string(rooms[0]))
}

func TestWritePumpDrainsAndCloses(t *testing.T) {
	hub := NewHub(Options{})
	defer shutdownHub(t, hub)

	conn := newFakeConn()
	client := newClient(hub, conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump()
	}()

	client.SendRaw([]byte(`{"type":"ping"}`))
	client.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit after Disconnect")
	}

	assert.GreaterOrEqual(t, conn.writeCount(), 1)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}
