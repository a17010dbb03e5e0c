package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/metrics"
	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client represents a single WebSocket connection. It implements
// types.ClientConn; the id is assigned by the first join message the hub
// dispatches for this socket.
//
// All outbound traffic rides one FIFO queue. Rooms rely on wire order
// matching send order: a join's doc-snapshot must precede its
// presence-snapshot, and a recovery snapshot must never overtake the steps
// broadcasts queued before it.
type Client struct {
	conn wsConnection
	hub  *Hub

	mu        sync.RWMutex
	id        types.ClientIDType
	rooms     map[types.RoomIDType]struct{} // Rooms this socket has joined
	closed    bool
	closeOnce sync.Once

	send chan []byte // Buffered FIFO queue for every outbound message
}

func newClient(hub *Hub, conn wsConnection) *Client {
	return &Client{
		conn:  conn,
		hub:   hub,
		rooms: make(map[types.RoomIDType]struct{}),
		send:  make(chan []byte, 512),
	}
}

// GetID returns the client id assigned by the most recent join.
func (c *Client) GetID() types.ClientIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// SetID records the client id. Rooms call this when registering the socket.
func (c *Client) SetID(id types.ClientIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *Client) addMembership(roomID types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *Client) removeMembership(roomID types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Client) memberships() []types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.RoomIDType, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Disconnect closes the send channel, which makes the writePump drain its
// buffer, emit a close frame and close the underlying connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Send serializes and queues a message. Everything shares the single FIFO
// queue so the client observes exactly the order the room emitted.
func (c *Client) Send(msg *protocol.Message) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("clientId", string(c.id)))
		return
	}
	c.mu.RUnlock()

	data, err := msg.Encode()
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal message", zap.Error(err))
		return
	}

	// Safety net against a concurrent Disconnect closing the channel.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in Send", zap.String("clientId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed", zap.String("clientId", string(c.id)))
	}
}

// SendRaw queues a pre-serialized payload on the same FIFO queue. Broadcasts
// use this to marshal once per room instead of once per client.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("clientId", string(c.id)))
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw", zap.String("clientId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed", zap.String("clientId", string(c.id)))
	}
}

// readPump reads text frames off the socket and hands them to the hub until
// the connection errors, then tears the socket down.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientClosed(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ctx := context.Background()
		c.hub.Dispatch(ctx, c, data)
	}
}

// writePump drains the queue in arrival order, so per-client wire order is
// exactly the room's send order.
func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
}
