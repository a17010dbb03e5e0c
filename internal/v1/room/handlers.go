package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/metrics"
	"github.com/padsync/collab/internal/v1/ot"
	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

// Route dispatches an inbound message to its handler. Unknown types are a
// no-op; the transport stays open.
func (r *Room) Route(ctx context.Context, conn types.ClientConn, msg *protocol.Message) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Type)).Observe(time.Since(start).Seconds())
	}()

	switch msg.Type {
	case protocol.TypeJoin:
		r.HandleJoin(ctx, conn, msg)
	case protocol.TypeLeave:
		r.HandleLeave(ctx, msg)
	case protocol.TypeSteps:
		r.HandleSteps(ctx, conn, msg)
	case protocol.TypePresence:
		r.HandlePresence(ctx, msg)
	case protocol.TypeDocRequest:
		r.HandleDocRequest(ctx, conn)
	case protocol.TypeHistoryRequest:
		r.HandleHistoryRequest(ctx, conn, msg)
	case protocol.TypePong:
		r.HandlePong(ctx, msg)
	default:
		logging.Warn(ctx, "Unknown message type received",
			zap.String("room", string(r.ID)),
			zap.String("type", string(msg.Type)),
			zap.String("clientId", msg.ClientID))
	}
}

// HandleJoin registers the socket under the message's client id (last writer
// wins), announces the join to the rest of the room, and primes the joiner
// with the current document snapshot followed by the presence snapshot. A
// presence record carried on the join is processed last so remote users see
// the new cursor.
func (r *Room) HandleJoin(ctx context.Context, conn types.ClientConn, msg *protocol.Message) {
	clientID := types.ClientIDType(msg.ClientID)
	if clientID == "" {
		return
	}

	r.mu.Lock()

	if prior, ok := r.clients[clientID]; ok && prior != conn {
		logging.Info(ctx, "Duplicate join, replacing prior socket",
			zap.String("room", string(r.ID)),
			zap.String("clientId", msg.ClientID))
		prior.Disconnect()
	}
	conn.SetID(clientID)
	r.clients[clientID] = conn

	r.broadcastLocked(&protocol.Message{
		Type:     protocol.TypeJoin,
		RoomID:   string(r.ID),
		ClientID: msg.ClientID,
	}, clientID)

	conn.Send(r.snapshotMessageLocked())
	conn.Send(&protocol.Message{
		Type:      protocol.TypePresenceSnapshot,
		RoomID:    string(r.ID),
		ClientID:  msg.ClientID,
		Presences: r.presence.Entries(),
	})

	if msg.Presence != nil {
		r.upsertAndBroadcastPresenceLocked(clientID, *msg.Presence)
	}

	r.mu.Unlock()

	logging.Info(ctx, "Client joined room",
		zap.String("room", string(r.ID)),
		zap.String("clientId", msg.ClientID))
}

// HandleLeave removes the client socket and presence record and announces
// the departure to everyone remaining.
func (r *Room) HandleLeave(ctx context.Context, msg *protocol.Message) {
	clientID := types.ClientIDType(msg.ClientID)

	r.mu.Lock()
	delete(r.clients, clientID)
	r.presence.Remove(clientID)
	r.broadcastLocked(&protocol.Message{
		Type:     protocol.TypeLeave,
		RoomID:   string(r.ID),
		ClientID: msg.ClientID,
	}, "")
	empty := len(r.clients) == 0
	r.mu.Unlock()

	logging.Info(ctx, "Client left room",
		zap.String("room", string(r.ID)),
		zap.String("clientId", msg.ClientID))

	if empty && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
}

// HandlePresence stamps and stores the record, then broadcasts it to every
// client in the room including the sender (clients tolerate echoes).
func (r *Room) HandlePresence(_ context.Context, msg *protocol.Message) {
	if msg.Presence == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertAndBroadcastPresenceLocked(types.ClientIDType(msg.ClientID), *msg.Presence)
}

func (r *Room) upsertAndBroadcastPresenceLocked(clientID types.ClientIDType, p protocol.UserPresence) {
	p.Timestamp = 0 // Server stamps; client-supplied timestamps are ignored.
	r.presence.Upsert(clientID, p)

	stamped, _ := r.presence.Get(clientID)
	r.broadcastLocked(&protocol.Message{
		Type:     protocol.TypePresence,
		RoomID:   string(r.ID),
		ClientID: string(clientID),
		Presence: &stamped,
	}, "")
}

// HandleSteps runs the version gate. A stale version is rejected with an
// error followed by a fresh snapshot, application failure aborts the batch
// atomically, and an accepted batch is appended to history, broadcast to
// everyone but the sender, and acked back with the new version.
func (r *Room) HandleSteps(ctx context.Context, conn types.ClientConn, msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Version != nil && *msg.Version != r.version {
		metrics.StepBatchesRejected.WithLabelValues(protocol.CodeVersionMismatch).Inc()
		conn.Send(&protocol.Message{
			Type:     protocol.TypeError,
			RoomID:   string(r.ID),
			ClientID: msg.ClientID,
			Code:     protocol.CodeVersionMismatch,
			Reason:   fmt.Sprintf("expected %d, got %d", r.version, *msg.Version),
		})
		conn.Send(r.snapshotMessageLocked())
		return
	}

	// Apply sequentially against a working copy; any failure leaves the
	// authoritative document and version untouched.
	doc := r.doc
	for i, raw := range msg.Steps {
		step, err := ot.StepFromJSON(r.schema, raw)
		if err == nil {
			doc, err = step.Apply(r.schema, doc)
		}
		if err != nil {
			metrics.StepBatchesRejected.WithLabelValues(protocol.CodeApplyFailed).Inc()
			logging.Warn(ctx, "Step application failed",
				zap.String("room", string(r.ID)),
				zap.String("clientId", msg.ClientID),
				zap.Int("step", i),
				zap.Error(err))
			conn.Send(&protocol.Message{
				Type:     protocol.TypeError,
				RoomID:   string(r.ID),
				ClientID: msg.ClientID,
				Code:     protocol.CodeApplyFailed,
				Reason:   err.Error(),
			})
			return
		}
	}

	r.doc = doc
	r.history = append(r.history, StepBatch{
		FromVersion: r.version,
		ToVersion:   r.version + 1,
		Steps:       msg.Steps,
		Author:      types.ClientIDType(msg.ClientID),
	})
	r.version++

	metrics.StepBatchesAccepted.Inc()
	metrics.RoomVersion.WithLabelValues(string(r.ID)).Set(float64(r.version))

	r.broadcastLocked(&protocol.Message{
		Type:     protocol.TypeSteps,
		RoomID:   string(r.ID),
		ClientID: msg.ClientID,
		Version:  protocol.Int64(r.version),
		Steps:    msg.Steps,
	}, types.ClientIDType(msg.ClientID))

	conn.Send(&protocol.Message{
		Type:     protocol.TypeAck,
		RoomID:   string(r.ID),
		ClientID: msg.ClientID,
		AckType:  protocol.AckSteps,
		OK:       protocol.Bool(true),
		Version:  protocol.Int64(r.version),
	})

	r.archiveSnapshotLocked()
}

// HandleDocRequest sends the current snapshot to the requester only.
func (r *Room) HandleDocRequest(_ context.Context, conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.Send(r.snapshotMessageLocked())
}

// HandleHistoryRequest replies with the flattened steps of every batch in
// (sinceVersion, current]. An out-of-range sinceVersion yields an empty
// history at the current version.
func (r *Room) HandleHistoryRequest(_ context.Context, conn types.ClientConn, msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var since int64
	if msg.SinceVersion != nil {
		since = *msg.SinceVersion
	}

	reply := &protocol.Message{
		Type:        protocol.TypeHistory,
		RoomID:      string(r.ID),
		ClientID:    msg.ClientID,
		FromVersion: protocol.Int64(since),
		ToVersion:   protocol.Int64(r.version),
	}

	if since >= 0 && since <= r.version {
		for _, batch := range r.history[since:] {
			reply.Steps = append(reply.Steps, batch.Steps...)
		}
	} else {
		reply.FromVersion = protocol.Int64(r.version)
	}

	conn.Send(reply)
}

// HandlePong refreshes the presence timestamp only. It never creates a
// record or touches cursor fields.
func (r *Room) HandlePong(_ context.Context, msg *protocol.Message) {
	r.presence.Touch(types.ClientIDType(msg.ClientID))
}

// History returns a copy of the accepted batches, for inspection and replay.
func (r *Room) History() []StepBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepBatch, len(r.history))
	copy(out, r.history)
	return out
}
