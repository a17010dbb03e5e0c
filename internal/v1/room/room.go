package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/metrics"
	"github.com/padsync/collab/internal/v1/ot"
	"github.com/padsync/collab/internal/v1/presence"
	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

// DefaultPresenceTTL is how long a presence record survives without a
// refresh before the heartbeat tick evicts it.
const DefaultPresenceTTL = 15 * time.Second

// StepBatch records one accepted mutation: applying Steps to the document at
// FromVersion yields the document at ToVersion (= FromVersion + 1).
type StepBatch struct {
	FromVersion int64
	ToVersion   int64
	Steps       []json.RawMessage
	Author      types.ClientIDType
}

// Room is the unit of collaboration: it owns the authoritative document, the
// monotonic version counter, the append-only step history, the connected
// client set and the presence store. All mutations are serialized by the
// room mutex, so the broadcast order of accepted batches matches the version
// sequence exactly.
type Room struct {
	ID types.RoomIDType

	mu       sync.Mutex
	schema   *ot.Schema
	doc      *ot.Node
	version  int64
	history  []StepBatch
	clients  map[types.ClientIDType]types.ClientConn
	presence *presence.Store

	presenceTTL time.Duration
	clock       clock.PassiveClock

	onEmpty  func(types.RoomIDType)
	archiver types.Archiver

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	archiveChan chan struct{} // Semaphore for snapshot archiving
}

// Options configures a new room. Zero values select the defaults.
type Options struct {
	// OnEmpty is invoked (on its own goroutine) when the last client socket
	// is removed. The registry uses it to schedule garbage collection.
	OnEmpty func(types.RoomIDType)
	// Archiver receives fire-and-forget snapshots of the document after each
	// accepted batch. Nil disables archiving.
	Archiver types.Archiver
	// PresenceTTL overrides DefaultPresenceTTL.
	PresenceTTL time.Duration
	// Clock overrides the real clock, for tests.
	Clock clock.PassiveClock
}

// NewRoom creates a room at version 0 holding the schema's empty document.
func NewRoom(ctx context.Context, id types.RoomIDType, opts Options) *Room {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	schema := ot.NewSchema()
	r := &Room{
		ID:          id,
		schema:      schema,
		doc:         schema.EmptyDoc(),
		clients:     make(map[types.ClientIDType]types.ClientConn),
		presence:    presence.NewStore(opts.Clock),
		presenceTTL: opts.PresenceTTL,
		clock:       opts.Clock,
		onEmpty:     opts.OnEmpty,
		archiver:    opts.Archiver,
		archiveChan: make(chan struct{}, 8), // Limit concurrent archive writes
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r
}

// GetID returns the room ID.
func (r *Room) GetID() types.RoomIDType {
	return r.ID
}

// Version returns the current authoritative version.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// DocJSON returns the serialized authoritative document.
func (r *Room) DocJSON() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docJSONLocked()
}

// HistoryLen returns the number of accepted batches.
func (r *Room) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// IsEmpty reports whether no client sockets are registered.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// PresenceLen returns the number of live presence records.
func (r *Room) PresenceLen() int {
	return r.presence.Len()
}

// Tick runs one heartbeat: broadcast a ping to every client, then prune
// presence records past the TTL, broadcasting a leave for each eviction.
func (r *Room) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(&protocol.Message{
		Type:     protocol.TypePing,
		RoomID:   string(r.ID),
		ClientID: protocol.ServerClientID,
		TS:       r.clock.Now().UnixMilli(),
	}, "")

	evicted := r.presence.PruneOlderThan(r.presenceTTL)
	for _, clientID := range evicted {
		metrics.PresenceEvictions.Inc()
		logging.Info(ctx, "Evicting stale presence",
			zap.String("room", string(r.ID)),
			zap.String("clientId", string(clientID)))
		r.broadcastLocked(&protocol.Message{
			Type:     protocol.TypeLeave,
			RoomID:   string(r.ID),
			ClientID: string(clientID),
		}, "")
	}
}

// HandleClientClosed removes a closed socket from the client set. The
// presence record is left for TTL eviction, which emits the leave broadcast;
// socket liveness and presence liveness are tracked independently.
func (r *Room) HandleClientClosed(conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Match by connection identity, not id: a later join may have replaced
	// this socket under the same id, and that registration must survive.
	for id, existing := range r.clients {
		if existing == conn {
			delete(r.clients, id)
		}
	}

	if len(r.clients) == 0 && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// Close disconnects every client and stops background work. reason is sent
// as an opaque error code before the sockets are closed.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logging.Info(r.ctx, "Closing room", zap.String("room", string(r.ID)), zap.String("reason", reason))
	r.cancel()

	msg := &protocol.Message{
		Type:   protocol.TypeError,
		RoomID: string(r.ID),
		Code:   reason,
		Reason: "room closed",
	}
	for _, c := range r.clients {
		c.Send(msg)
		c.Disconnect()
	}
	r.clients = make(map[types.ClientIDType]types.ClientConn)
}

// Shutdown waits for in-flight background work to finish.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Helper Functions ---

func (r *Room) docJSONLocked() json.RawMessage {
	data, err := ot.DocToJSON(r.doc)
	if err != nil {
		logging.Error(r.ctx, "Failed to serialize document", zap.String("room", string(r.ID)), zap.Error(err))
		return nil
	}
	return data
}

func (r *Room) snapshotMessageLocked() *protocol.Message {
	return &protocol.Message{
		Type:    protocol.TypeDocSnapshot,
		RoomID:  string(r.ID),
		Version: protocol.Int64(r.version),
		Doc:     r.docJSONLocked(),
	}
}

// broadcastLocked sends msg to every client except the one named by except.
// The payload is marshaled once; individual send failures are swallowed, the
// transport close path handles cleanup.
func (r *Room) broadcastLocked(msg *protocol.Message, except types.ClientIDType) {
	data, err := msg.Encode()
	if err != nil {
		logging.Error(r.ctx, "Failed to marshal broadcast message", zap.String("room", string(r.ID)), zap.Error(err))
		return
	}

	for id, c := range r.clients {
		if except != "" && id == except {
			continue
		}
		c.SendRaw(data)
	}
}

// archiveSnapshotLocked hands the current document to the archiver on a
// bounded number of background goroutines. The archive never participates in
// the version gate; a full queue simply drops the write.
func (r *Room) archiveSnapshotLocked() {
	if r.archiver == nil {
		return
	}

	version := r.version
	doc := r.docJSONLocked()

	select {
	case r.archiveChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.archiveChan
				r.wg.Done()
			}()
			if err := r.archiver.SaveSnapshot(r.ctx, string(r.ID), version, doc); err != nil {
				logging.Warn(r.ctx, "Snapshot archive failed",
					zap.String("room", string(r.ID)),
					zap.Int64("version", version),
					zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping snapshot archive - queue full", zap.String("room", string(r.ID)))
	}
}
