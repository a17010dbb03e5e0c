package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/metrics"
	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/ratelimit"
	"github.com/padsync/collab/internal/v1/room"
	"github.com/padsync/collab/internal/v1/types"
)

const (
	defaultHeartbeatInterval  = 5 * time.Second
	defaultCleanupGracePeriod = 5 * time.Second
)

// Hub serves as the central coordinator for all collaboration rooms. A single
// WebSocket endpoint serves every room; each inbound message names its room
// and the hub routes it there, creating the room on first reference.
type Hub struct {
	rooms               map[types.RoomIDType]*room.Room
	mu                  sync.Mutex
	validator           types.TokenValidator // Nil disables authentication
	archiver            types.Archiver
	rateLimiter         *ratelimit.RateLimiter
	pendingRoomCleanups map[types.RoomIDType]*time.Timer
	cleanupGracePeriod  time.Duration
	heartbeatInterval   time.Duration
	presenceTTL         time.Duration
	clock               clock.WithTicker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a new hub. Zero durations select the defaults; a nil
// Validator disables token checks and a nil Archiver disables snapshots.
type Options struct {
	Validator          types.TokenValidator
	Archiver           types.Archiver
	RateLimiter        *ratelimit.RateLimiter
	HeartbeatInterval  time.Duration
	PresenceTTL        time.Duration
	CleanupGracePeriod time.Duration
	Clock              clock.WithTicker
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = room.DefaultPresenceTTL
	}
	if opts.CleanupGracePeriod <= 0 {
		opts.CleanupGracePeriod = defaultCleanupGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	h := &Hub{
		rooms:               make(map[types.RoomIDType]*room.Room),
		validator:           opts.Validator,
		archiver:            opts.Archiver,
		rateLimiter:         opts.RateLimiter,
		pendingRoomCleanups: make(map[types.RoomIDType]*time.Timer),
		cleanupGracePeriod:  opts.CleanupGracePeriod,
		heartbeatInterval:   opts.HeartbeatInterval,
		presenceTTL:         opts.PresenceTTL,
		clock:               opts.Clock,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Run drives the heartbeat: every interval, each room broadcasts a ping and
// evicts presence records past the TTL. Blocks until Shutdown.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C():
			h.tickRooms()
		}
	}
}

func (h *Hub) tickRooms() {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Tick(h.ctx)
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection serving the collaboration protocol.
func (h *Hub) ServeWs(c *gin.Context) {
	// Rate limiting first, before any other work.
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if h.validator != nil {
		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if h.rateLimiter != nil {
			if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				return
			}
		}
	}

	conn, err := upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection takes an established WebSocket connection and starts its
// message pumps. The socket joins rooms via protocol messages, not the URL.
func (h *Hub) HandleConnection(conn wsConnection) {
	client := newClient(h, conn)

	metrics.ActiveWebSocketConnections.Inc()

	go client.writePump()
	go client.readPump()
}

// Dispatch decodes one inbound frame and routes it to the room it names.
// Malformed frames and frames without a room id are dropped; the connection
// stays open.
func (h *Hub) Dispatch(ctx context.Context, client *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logging.Warn(ctx, "Dropping malformed message",
			zap.String("clientId", string(client.GetID())),
			zap.Error(err))
		return
	}
	if msg.RoomID == "" {
		logging.Warn(ctx, "Dropping message without room id",
			zap.String("clientId", string(client.GetID())),
			zap.String("type", string(msg.Type)))
		return
	}

	roomID := types.RoomIDType(msg.RoomID)

	switch msg.Type {
	case protocol.TypeJoin:
		client.addMembership(roomID)
	case protocol.TypeLeave:
		client.removeMembership(roomID)
	}

	r := h.getOrCreateRoom(roomID)
	r.Route(ctx, client, msg)
}

// handleClientClosed detaches a dead socket from every room it joined.
// Presence records are left in place; the heartbeat's TTL eviction emits the
// leave broadcast, which is what lets a quick reconnect keep its cursor.
func (h *Hub) handleClientClosed(client *Client) {
	for _, roomID := range client.memberships() {
		h.mu.Lock()
		r, ok := h.rooms[roomID]
		h.mu.Unlock()
		if ok {
			r.HandleClientClosed(client)
		}
	}
}

// removeRoom schedules deletion of an empty room after the grace period, so
// a client bouncing through a reconnect does not lose the room's document.
func (h *Hub) removeRoom(roomID types.RoomIDType) {
	h.mu.Lock()

	if existingTimer, exists := h.pendingRoomCleanups[roomID]; exists {
		existingTimer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		// Double-check the room is still empty before deleting.
		if r, ok := h.rooms[roomID]; ok && r.IsEmpty() {
			delete(h.rooms, roomID)
			delete(h.pendingRoomCleanups, roomID)

			metrics.ActiveRooms.Dec()
			metrics.RoomVersion.DeleteLabelValues(string(roomID))

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.Shutdown(shutdownCtx)

			logging.Info(context.Background(), "Removed room from hub after grace period", zap.String("roomId", string(roomID)))
		} else {
			delete(h.pendingRoomCleanups, roomID)
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is active", zap.String("roomId", string(roomID)))
			}
		}
	})

	h.pendingRoomCleanups[roomID] = timer
	h.mu.Unlock()
}

// getOrCreateRoom retrieves the room for roomID, creating it at version 0
// with the empty document on first reference.
func (h *Hub) getOrCreateRoom(roomID types.RoomIDType) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, hasPendingCleanup := h.pendingRoomCleanups[roomID]; hasPendingCleanup {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection", zap.String("roomId", string(roomID)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating new collaboration room", zap.String("roomId", string(roomID)))
	r := room.NewRoom(h.ctx, roomID, room.Options{
		OnEmpty:     h.removeRoom,
		Archiver:    h.archiver,
		PresenceTTL: h.presenceTTL,
		Clock:       h.clock,
	})
	h.rooms[roomID] = r

	metrics.ActiveRooms.Inc()
	return r
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown gracefully closes all active rooms and connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")
	h.cancel()

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close("server_shutdown")
		if err := r.Shutdown(ctx); err != nil {
			return err
		}
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
