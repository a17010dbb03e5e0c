package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/padsync/collab/internal/v1/ot"
	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

func newTestRoom(t *testing.T, opts Options) (*Room, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	opts.Clock = fc
	r := NewRoom(context.Background(), "doc-1", opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, fc
}

func joinRoom(t *testing.T, r *Room, id string, presence *protocol.UserPresence) *MockConn {
	t.Helper()
	conn := NewMockConn(id)
	r.Route(context.Background(), conn, &protocol.Message{
		Type:     protocol.TypeJoin,
		RoomID:   "doc-1",
		ClientID: id,
		Presence: presence,
	})
	return conn
}

func stepJSON(t *testing.T, from, to int64, text string) json.RawMessage {
	t.Helper()
	raw, err := ot.NewReplaceStep(from, to, text).ToJSON()
	require.NoError(t, err)
	return raw
}

func sendSteps(r *Room, conn *MockConn, version *int64, steps ...json.RawMessage) {
	r.Route(context.Background(), conn, &protocol.Message{
		Type:     protocol.TypeSteps,
		RoomID:   "doc-1",
		ClientID: string(conn.GetID()),
		Version:  version,
		Steps:    steps,
	})
}

func TestJoinPrimesSnapshotThenPresence(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	sent := alice.Sent()
	require.GreaterOrEqual(t, len(sent), 2)

	// Snapshot first, presence snapshot second.
	assert.Equal(t, protocol.TypeDocSnapshot, sent[0].Type)
	assert.Equal(t, int64(0), protocol.Int64Value(sent[0].Version))
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph"}]}`, string(sent[0].Doc))
	assert.Equal(t, protocol.TypePresenceSnapshot, sent[1].Type)
}

func TestJoinBroadcastToOthersOnly(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	bob := joinRoom(t, r, "bob", nil)

	joins := alice.OfType(protocol.TypeJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "bob", joins[0].ClientID)

	// The joiner does not see their own join.
	assert.Empty(t, bob.OfType(protocol.TypeJoin))
}

func TestJoinWithPresenceBroadcasts(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	joinRoom(t, r, "bob", &protocol.UserPresence{
		User:   protocol.UserInfo{ID: "bob", Name: "Bob"},
		Cursor: &protocol.Range{From: 0, To: 0},
	})

	presences := alice.OfType(protocol.TypePresence)
	require.Len(t, presences, 1)
	assert.Equal(t, "bob", presences[0].ClientID)
	assert.NotZero(t, presences[0].Presence.Timestamp)

	assert.Equal(t, 1, r.PresenceLen())
}

func TestJoinLastWriterWins(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	first := joinRoom(t, r, "alice", nil)
	second := joinRoom(t, r, "alice", nil)

	assert.True(t, first.IsDisconnected())
	assert.False(t, second.IsDisconnected())

	// Broadcasts land on the replacement socket only.
	sendSteps(r, second, protocol.Int64(0), stepJSON(t, 0, 0, "hi"))
	assert.NotNil(t, second.LastOfType(protocol.TypeAck))
}

func TestStepsHappyPath(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	bob := joinRoom(t, r, "bob", nil)

	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))

	assert.Equal(t, int64(1), r.Version())
	assert.Equal(t, 1, r.HistoryLen())

	ack := alice.LastOfType(protocol.TypeAck)
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AckSteps, ack.AckType)
	assert.True(t, *ack.OK)
	assert.Equal(t, int64(1), protocol.Int64Value(ack.Version))

	// Sender is excluded from the broadcast; others receive it.
	assert.Empty(t, alice.OfType(protocol.TypeSteps))
	broadcasts := bob.OfType(protocol.TypeSteps)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, "alice", broadcasts[0].ClientID)
	assert.Equal(t, int64(1), protocol.Int64Value(broadcasts[0].Version))
	require.Len(t, broadcasts[0].Steps, 1)
}

func TestStepsVersionGate(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))
	require.Equal(t, int64(1), r.Version())

	// Stale base version: rejected without mutation.
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "x"))

	assert.Equal(t, int64(1), r.Version())
	assert.Equal(t, 1, r.HistoryLen())

	errMsg := alice.LastOfType(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.CodeVersionMismatch, errMsg.Code)
	assert.Equal(t, "expected 1, got 0", errMsg.Reason)

	// Followed by a fresh snapshot at the current version.
	snap := alice.LastOfType(protocol.TypeDocSnapshot)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), protocol.Int64Value(snap.Version))
}

func TestStepsWithoutVersionBypassesGate(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))

	sendSteps(r, alice, nil, stepJSON(t, 5, 5, "!"))

	assert.Equal(t, int64(2), r.Version())
	assert.JSONEq(t,
		`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello!"}]}]}`,
		string(r.DocJSON()))
}

func TestStepsApplyFailureAtomic(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	// Second step is out of range: the whole batch must abort, including the
	// valid first step.
	sendSteps(r, alice, protocol.Int64(0),
		stepJSON(t, 0, 0, "ok"),
		stepJSON(t, 50, 60, "bad"),
	)

	assert.Equal(t, int64(0), r.Version())
	assert.Equal(t, 0, r.HistoryLen())
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph"}]}`, string(r.DocJSON()))

	errMsg := alice.LastOfType(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.CodeApplyFailed, errMsg.Code)
}

func TestStepsUnknownStepTypeRejected(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	sendSteps(r, alice, protocol.Int64(0), json.RawMessage(`{"stepType":"addMark","from":0,"to":1}`))

	assert.Equal(t, int64(0), r.Version())
	errMsg := alice.LastOfType(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, protocol.CodeApplyFailed, errMsg.Code)
}

func TestHistoryRequestFlattens(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))
	sendSteps(r, alice, protocol.Int64(1), stepJSON(t, 5, 5, " world"), stepJSON(t, 0, 0, ">"))

	r.Route(context.Background(), alice, &protocol.Message{
		Type:         protocol.TypeHistoryRequest,
		RoomID:       "doc-1",
		ClientID:     "alice",
		SinceVersion: protocol.Int64(1),
	})

	history := alice.LastOfType(protocol.TypeHistory)
	require.NotNil(t, history)
	assert.Equal(t, int64(1), protocol.Int64Value(history.FromVersion))
	assert.Equal(t, int64(2), protocol.Int64Value(history.ToVersion))
	assert.Len(t, history.Steps, 2)
}

func TestHistoryRequestOutOfRange(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))

	r.Route(context.Background(), alice, &protocol.Message{
		Type:         protocol.TypeHistoryRequest,
		RoomID:       "doc-1",
		ClientID:     "alice",
		SinceVersion: protocol.Int64(99),
	})

	history := alice.LastOfType(protocol.TypeHistory)
	require.NotNil(t, history)
	assert.Empty(t, history.Steps)
	assert.Equal(t, int64(1), protocol.Int64Value(history.FromVersion))
	assert.Equal(t, int64(1), protocol.Int64Value(history.ToVersion))
}

func TestHistoryReplayReproducesDocument(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))
	sendSteps(r, alice, protocol.Int64(1), stepJSON(t, 0, 5, "goodbye"))
	sendSteps(r, alice, protocol.Int64(2), stepJSON(t, 7, 7, " world"))

	schema := ot.NewSchema()
	doc := schema.EmptyDoc()
	for _, batch := range r.History() {
		for _, raw := range batch.Steps {
			step, err := ot.StepFromJSON(schema, raw)
			require.NoError(t, err)
			doc, err = step.Apply(schema, doc)
			require.NoError(t, err)
		}
	}

	replayed, err := ot.DocToJSON(doc)
	require.NoError(t, err)
	assert.Equal(t, string(r.DocJSON()), string(replayed))
}

func TestDocRequest(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hi"))

	r.Route(context.Background(), alice, &protocol.Message{
		Type:     protocol.TypeDocRequest,
		RoomID:   "doc-1",
		ClientID: "alice",
	})

	snap := alice.LastOfType(protocol.TypeDocSnapshot)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), protocol.Int64Value(snap.Version))
}

func TestPresenceEchoesToSender(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	r.Route(context.Background(), alice, &protocol.Message{
		Type:     protocol.TypePresence,
		RoomID:   "doc-1",
		ClientID: "alice",
		Presence: &protocol.UserPresence{User: protocol.UserInfo{ID: "alice"}},
	})

	echoes := alice.OfType(protocol.TypePresence)
	require.Len(t, echoes, 1)
	assert.Equal(t, "alice", echoes[0].ClientID)
	assert.NotZero(t, echoes[0].Presence.Timestamp)
}

func TestLeaveRemovesAndBroadcasts(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", &protocol.UserPresence{User: protocol.UserInfo{ID: "alice"}})
	bob := joinRoom(t, r, "bob", nil)

	r.Route(context.Background(), alice, &protocol.Message{
		Type:     protocol.TypeLeave,
		RoomID:   "doc-1",
		ClientID: "alice",
	})

	assert.Equal(t, 0, r.PresenceLen())

	leaves := bob.OfType(protocol.TypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "alice", leaves[0].ClientID)
}

func TestTickBroadcastsPing(t *testing.T) {
	r, fc := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	r.Tick(context.Background())

	ping := alice.LastOfType(protocol.TypePing)
	require.NotNil(t, ping)
	assert.Equal(t, protocol.ServerClientID, ping.ClientID)
	assert.Equal(t, fc.Now().UnixMilli(), ping.TS)
}

func TestTickEvictsStalePresence(t *testing.T) {
	r, fc := newTestRoom(t, Options{PresenceTTL: 15 * time.Second})
	joinRoom(t, r, "alice", &protocol.UserPresence{User: protocol.UserInfo{ID: "alice"}})
	bob := joinRoom(t, r, "bob", nil)

	fc.Step(20 * time.Second)
	r.Tick(context.Background())

	assert.Equal(t, 0, r.PresenceLen())
	leaves := bob.OfType(protocol.TypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "alice", leaves[0].ClientID)
}

func TestPongKeepsPresenceAlive(t *testing.T) {
	r, fc := newTestRoom(t, Options{PresenceTTL: 15 * time.Second})
	joinRoom(t, r, "alice", &protocol.UserPresence{User: protocol.UserInfo{ID: "alice"}})

	fc.Step(10 * time.Second)
	r.Route(context.Background(), NewMockConn("alice"), &protocol.Message{
		Type:     protocol.TypePong,
		RoomID:   "doc-1",
		ClientID: "alice",
		TS:       fc.Now().UnixMilli(),
	})
	fc.Step(10 * time.Second)

	r.Tick(context.Background())
	assert.Equal(t, 1, r.PresenceLen())
}

func TestPongNeverCreatesPresence(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	joinRoom(t, r, "alice", nil)

	r.Route(context.Background(), NewMockConn("alice"), &protocol.Message{
		Type:     protocol.TypePong,
		RoomID:   "doc-1",
		ClientID: "alice",
	})

	assert.Equal(t, 0, r.PresenceLen())
}

func TestClientClosedKeepsPresence(t *testing.T) {
	onEmpty := make(chan types.RoomIDType, 1)
	r, _ := newTestRoom(t, Options{OnEmpty: func(id types.RoomIDType) { onEmpty <- id }})
	alice := joinRoom(t, r, "alice", &protocol.UserPresence{User: protocol.UserInfo{ID: "alice"}})

	r.HandleClientClosed(alice)

	assert.True(t, r.IsEmpty())
	// Presence survives the transport close; TTL eviction owns the leave.
	assert.Equal(t, 1, r.PresenceLen())

	select {
	case id := <-onEmpty:
		assert.Equal(t, types.RoomIDType("doc-1"), id)
	case <-time.After(time.Second):
		t.Fatal("onEmpty was not invoked")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)

	r.Close("server_shutdown")

	assert.True(t, alice.IsDisconnected())
	errMsg := alice.LastOfType(protocol.TypeError)
	require.NotNil(t, errMsg)
	assert.Equal(t, "server_shutdown", errMsg.Code)
	assert.True(t, r.IsEmpty())
}

func TestAcceptedStepsArchived(t *testing.T) {
	archiver := &MockArchiver{}
	r, _ := newTestRoom(t, Options{Archiver: archiver})
	alice := joinRoom(t, r, "alice", nil)

	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, 1, archiver.SaveCount())
}

func TestBroadcastOrderMatchesAcceptance(t *testing.T) {
	r, _ := newTestRoom(t, Options{})
	alice := joinRoom(t, r, "alice", nil)
	bob := joinRoom(t, r, "bob", nil)

	sendSteps(r, alice, protocol.Int64(0), stepJSON(t, 0, 0, "a"))
	sendSteps(r, alice, protocol.Int64(1), stepJSON(t, 1, 1, "b"))
	sendSteps(r, alice, protocol.Int64(2), stepJSON(t, 2, 2, "c"))

	broadcasts := bob.OfType(protocol.TypeSteps)
	require.Len(t, broadcasts, 3)
	for i, msg := range broadcasts {
		assert.Equal(t, int64(i+1), protocol.Int64Value(msg.Version))
	}
}
