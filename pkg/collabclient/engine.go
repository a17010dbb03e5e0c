// Package collabclient implements the client half of the collaboration
// protocol: connection management with exponential-backoff reconnection,
// outbound sends, inbound dispatch, and a pending-step queue that is rebased
// over server history after a snapshot-driven resync.
package collabclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/ot"
	"github.com/padsync/collab/internal/v1/protocol"
)

const (
	defaultBackoffBase   = 300 * time.Millisecond
	defaultBackoffCap    = 8000 * time.Millisecond
	defaultBackoffMaxExp = 6
	defaultJitterMax     = 200 * time.Millisecond
)

// Callbacks deliver server events to the consumer. All callbacks are invoked
// from the engine's dispatch goroutine; nil callbacks are skipped.
type Callbacks struct {
	// OnConnection reports transport state transitions.
	OnConnection func(connected bool)
	// OnSteps delivers an accepted remote batch to apply locally.
	OnSteps func(version int64, clientID string, steps []json.RawMessage)
	// OnSnapshot delivers an authoritative document to replace local state.
	OnSnapshot func(version int64, doc json.RawMessage)
	// OnPresence delivers one presence record. Snapshots are expanded into
	// individual deliveries.
	OnPresence func(clientID string, p protocol.UserPresence)
	OnJoin     func(clientID string)
	OnLeave    func(clientID string)
	OnError    func(code, reason string)
}

// Options configures an Engine.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// RoomID names the room to join.
	RoomID string
	// ClientID identifies this client within the room. Empty generates a
	// random uuid.
	ClientID string
	// Presence, when set, is carried on the join message.
	Presence *protocol.UserPresence
	// TokenProvider, when set, resolves an auth token appended to the URL as
	// ?token=<urlencoded> on every (re)connect.
	TokenProvider func(ctx context.Context) (string, error)
	// Dialer overrides the default gorilla/websocket dialer, for tests.
	Dialer Dialer

	Callbacks Callbacks

	// Backoff tuning. Zero values select the defaults (base 300ms, cap 8s,
	// exponent cap 6, jitter 0-200ms).
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffMaxExp int
	// Jitter overrides the random jitter source, for deterministic tests.
	Jitter func() time.Duration
}

type pendingBatch struct {
	baseVersion int64
	steps       []json.RawMessage
	selection   *protocol.Range
}

// Engine is the client protocol engine. State is owned by the dispatch loop
// plus a mutex for the consumer-facing senders.
type Engine struct {
	opts   Options
	schema *ot.Schema

	mu                sync.Mutex
	conn              Conn
	connected         bool
	shouldReconnect   bool
	reconnectAttempts int
	docVersion        int64
	pending           []pendingBatch
	historyRequested  bool
	rebasePending     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. Connect must be called to open the transport.
func New(opts Options) *Engine {
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Dialer == nil {
		opts.Dialer = newWSDialer()
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.BackoffMaxExp <= 0 {
		opts.BackoffMaxExp = defaultBackoffMaxExp
	}
	if opts.Jitter == nil {
		opts.Jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(defaultJitterMax) + 1))
		}
	}

	e := &Engine{
		opts:   opts,
		schema: ot.NewSchema(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// ClientID returns the id this engine joins rooms with.
func (e *Engine) ClientID() string {
	return e.opts.ClientID
}

// DocVersion returns the last server version this engine has seen.
func (e *Engine) DocVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.docVersion
}

// PendingCount returns the number of unacknowledged local batches.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Connect opens the transport, joins the room and starts the dispatch loop.
// Later transport failures reconnect automatically with backoff until
// Disconnect is called. A disconnected engine may Connect again; its
// internal lifetime is renewed.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.shouldReconnect = true
	if e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	e.mu.Unlock()

	if err := e.dial(ctx); err != nil {
		return err
	}
	return nil
}

// Disconnect stops reconnection, sends a best-effort leave and closes the
// transport.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.shouldReconnect = false
	conn := e.conn
	cancel := e.cancel
	e.mu.Unlock()

	if conn != nil {
		_ = e.writeMessage(&protocol.Message{
			Type:     protocol.TypeLeave,
			RoomID:   e.opts.RoomID,
			ClientID: e.opts.ClientID,
		})
		_ = conn.Close()
	}
	cancel()
	e.wg.Wait()
}

// SendSteps enqueues a local batch and transmits it bound to the current
// docVersion. The batch stays queued until the server acks it.
func (e *Engine) SendSteps(steps []ot.Step, selection *protocol.Range) error {
	raw := make([]json.RawMessage, 0, len(steps))
	for _, s := range steps {
		data, err := s.ToJSON()
		if err != nil {
			return fmt.Errorf("collabclient: serialize step: %w", err)
		}
		raw = append(raw, data)
	}

	e.mu.Lock()
	base := e.docVersion
	e.pending = append(e.pending, pendingBatch{
		baseVersion: base,
		steps:       raw,
		selection:   selection,
	})
	e.mu.Unlock()

	return e.writeMessage(&protocol.Message{
		Type:            protocol.TypeSteps,
		RoomID:          e.opts.RoomID,
		ClientID:        e.opts.ClientID,
		Version:         protocol.Int64(base),
		Steps:           raw,
		ClientSelection: selection,
	})
}

// SendPresence transmits a presence update for this client.
func (e *Engine) SendPresence(p protocol.UserPresence) error {
	return e.writeMessage(&protocol.Message{
		Type:     protocol.TypePresence,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
		Presence: &p,
	})
}

// RequestDoc asks the server for a fresh snapshot.
func (e *Engine) RequestDoc() error {
	return e.writeMessage(&protocol.Message{
		Type:     protocol.TypeDocRequest,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
	})
}

// dial opens the transport, sends the join and starts the read loop.
func (e *Engine) dial(ctx context.Context) error {
	target, err := e.resolveURL(ctx)
	if err != nil {
		return err
	}

	conn, err := e.opts.Dialer.DialContext(ctx, target)
	if err != nil {
		return err
	}

	// The reconnect counter is NOT reset here: backoff scales per drop, so a
	// flapping transport keeps climbing toward the cap even when the dials
	// in between succeed.
	e.mu.Lock()
	e.conn = conn
	e.connected = true
	e.mu.Unlock()

	join := &protocol.Message{
		Type:     protocol.TypeJoin,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
		Presence: e.opts.Presence,
	}
	if err := e.writeMessage(join); err != nil {
		_ = conn.Close()
		return err
	}

	if e.opts.Callbacks.OnConnection != nil {
		e.opts.Callbacks.OnConnection(true)
	}

	e.wg.Add(1)
	go e.readLoop(conn)
	return nil
}

// resolveURL appends the auth token as a query parameter when a provider is
// configured.
func (e *Engine) resolveURL(ctx context.Context) (string, error) {
	if e.opts.TokenProvider == nil {
		return e.opts.URL, nil
	}

	token, err := e.opts.TokenProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("collabclient: resolve token: %w", err)
	}
	if token == "" {
		return e.opts.URL, nil
	}

	u, err := url.Parse(e.opts.URL)
	if err != nil {
		return "", fmt.Errorf("collabclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *Engine) readLoop(conn Conn) {
	defer e.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.GetLogger().Debug("Dropping malformed server message", zap.Error(err))
			continue
		}
		e.dispatch(msg)
	}

	e.mu.Lock()
	e.connected = false
	if e.conn == conn {
		e.conn = nil
	}
	reconnect := e.shouldReconnect
	e.mu.Unlock()

	if e.opts.Callbacks.OnConnection != nil {
		e.opts.Callbacks.OnConnection(false)
	}

	if reconnect {
		e.wg.Add(1)
		go e.reconnectLoop()
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, Disconnect is called, or the engine context ends.
func (e *Engine) reconnectLoop() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if !e.shouldReconnect {
			e.mu.Unlock()
			return
		}
		attempt := e.reconnectAttempts
		e.reconnectAttempts++
		ctx := e.ctx
		e.mu.Unlock()

		delay := e.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := e.dial(ctx); err != nil {
			logging.GetLogger().Debug("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}
}

// backoffDelay computes min(cap, base * 2^min(attempt, maxExp)) plus jitter.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	exp := attempt
	if exp > e.opts.BackoffMaxExp {
		exp = e.opts.BackoffMaxExp
	}
	d := e.opts.BackoffBase << uint(exp)
	if d > e.opts.BackoffCap {
		d = e.opts.BackoffCap
	}
	return d + e.opts.Jitter()
}

func (e *Engine) writeMessage(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("collabclient: encode message: %w", err)
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("collabclient: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Engine) dispatch(msg *protocol.Message) {
	cb := e.opts.Callbacks

	switch msg.Type {
	case protocol.TypeSteps:
		e.mu.Lock()
		if msg.Version != nil {
			e.docVersion = *msg.Version
		}
		e.mu.Unlock()
		if cb.OnSteps != nil {
			cb.OnSteps(protocol.Int64Value(msg.Version), msg.ClientID, msg.Steps)
		}

	case protocol.TypePresence:
		if cb.OnPresence != nil && msg.Presence != nil {
			cb.OnPresence(msg.ClientID, *msg.Presence)
		}

	case protocol.TypePresenceSnapshot:
		if cb.OnPresence != nil {
			for _, entry := range msg.Presences {
				cb.OnPresence(entry.ClientID, entry.Presence)
			}
		}

	case protocol.TypeDocSnapshot:
		e.handleSnapshot(msg)

	case protocol.TypeHistory:
		e.handleHistory(msg)

	case protocol.TypePing:
		_ = e.writeMessage(&protocol.Message{
			Type:     protocol.TypePong,
			RoomID:   e.opts.RoomID,
			ClientID: e.opts.ClientID,
			TS:       msg.TS,
		})

	case protocol.TypeAck:
		if msg.AckType == protocol.AckSteps {
			e.mu.Lock()
			if msg.Version != nil {
				e.docVersion = *msg.Version
			}
			if len(e.pending) > 0 {
				e.pending = e.pending[1:]
			}
			e.mu.Unlock()
		}

	case protocol.TypeError:
		if cb.OnError != nil {
			cb.OnError(msg.Code, msg.Reason)
		}

	case protocol.TypeJoin:
		if cb.OnJoin != nil {
			cb.OnJoin(msg.ClientID)
		}

	case protocol.TypeLeave:
		if cb.OnLeave != nil {
			cb.OnLeave(msg.ClientID)
		}
	}
}

// handleSnapshot replaces local document state and, when local batches are
// still in flight, starts the history-driven rebase at the version known
// before the snapshot arrived.
func (e *Engine) handleSnapshot(msg *protocol.Message) {
	if msg.Version == nil {
		return
	}

	e.mu.Lock()
	prior := e.docVersion
	e.docVersion = *msg.Version
	needHistory := len(e.pending) > 0 && !e.historyRequested
	if needHistory {
		e.historyRequested = true
		e.rebasePending = true
	}
	e.mu.Unlock()

	if e.opts.Callbacks.OnSnapshot != nil {
		e.opts.Callbacks.OnSnapshot(*msg.Version, msg.Doc)
	}

	if needHistory {
		_ = e.writeMessage(&protocol.Message{
			Type:         protocol.TypeHistoryRequest,
			RoomID:       e.opts.RoomID,
			ClientID:     e.opts.ClientID,
			SinceVersion: protocol.Int64(prior),
		})
	}
}

func (e *Engine) handleHistory(msg *protocol.Message) {
	e.mu.Lock()
	doRebase := e.rebasePending
	e.rebasePending = false
	e.historyRequested = false
	e.mu.Unlock()

	if doRebase {
		e.rebase(msg.Steps)
	}
}

// rebase maps every queued local step through the server history and
// retransmits the survivors at the new docVersion. The queue is cleared
// first; rebased sends are already in flight from the user's perspective and
// must not be re-enqueued. Any deserialization failure falls back to
// resending the queued batches unchanged — the server's version gate then
// either accepts them or loops back with another snapshot.
func (e *Engine) rebase(historySteps []json.RawMessage) {
	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	version := e.docVersion
	e.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	mapped, err := e.mapBatches(queued, historySteps)
	if err != nil {
		logging.GetLogger().Debug("Rebase failed - resending queued batches unchanged", zap.Error(err))
		for _, batch := range queued {
			_ = e.writeMessage(&protocol.Message{
				Type:            protocol.TypeSteps,
				RoomID:          e.opts.RoomID,
				ClientID:        e.opts.ClientID,
				Version:         protocol.Int64(version),
				Steps:           batch.steps,
				ClientSelection: batch.selection,
			})
		}
		return
	}

	for i, steps := range mapped {
		if len(steps) == 0 {
			continue
		}
		_ = e.writeMessage(&protocol.Message{
			Type:            protocol.TypeSteps,
			RoomID:          e.opts.RoomID,
			ClientID:        e.opts.ClientID,
			Version:         protocol.Int64(version),
			Steps:           steps,
			ClientSelection: queued[i].selection,
		})
	}
}

// mapBatches builds the mapping from the server history and pushes every
// queued step through it. Steps whose range was deleted across drop out.
func (e *Engine) mapBatches(queued []pendingBatch, historySteps []json.RawMessage) ([][]json.RawMessage, error) {
	mapping := ot.NewMapping()
	for _, raw := range historySteps {
		step, err := ot.StepFromJSON(e.schema, raw)
		if err != nil {
			return nil, err
		}
		mapping.AppendMap(step.PosMap())
	}

	out := make([][]json.RawMessage, len(queued))
	for i, batch := range queued {
		for _, raw := range batch.steps {
			step, err := ot.StepFromJSON(e.schema, raw)
			if err != nil {
				return nil, err
			}
			survived := step.Map(mapping)
			if survived == nil {
				continue
			}
			data, err := survived.ToJSON()
			if err != nil {
				return nil, err
			}
			out[i] = append(out[i], data)
		}
	}
	return out, nil
}
