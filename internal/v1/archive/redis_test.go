package archive

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewServiceWithClient(client)
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	doc := []byte(`{"type":"doc","content":[{"type":"paragraph"}]}`)
	require.NoError(t, svc.SaveSnapshot(ctx, "doc-1", 7, doc))

	snap, err := svc.LoadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "doc-1", snap.RoomID)
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, doc, snap.Doc)
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveSnapshot(ctx, "doc-1", 1, []byte(`{"v":1}`)))
	require.NoError(t, svc.SaveSnapshot(ctx, "doc-1", 2, []byte(`{"v":2}`)))

	snap, err := svc.LoadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, []byte(`{"v":2}`), snap.Doc)
}

func TestLoadSnapshotMissing(t *testing.T) {
	svc := newTestService(t)

	snap, err := svc.LoadSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPing(t *testing.T) {
	svc := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNilServiceDegrades(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.SaveSnapshot(ctx, "doc-1", 1, nil))
	snap, err := svc.LoadSnapshot(ctx, "doc-1")
	assert.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
}
