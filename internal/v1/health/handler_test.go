package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsync/collab/internal/v1/types"
)

type fakeArchiver struct {
	pingErr error
}

func (f *fakeArchiver) SaveSnapshot(context.Context, string, int64, []byte) error { return nil }
func (f *fakeArchiver) LoadSnapshot(context.Context, string) (*types.Snapshot, error) {
	return nil, nil
}
func (f *fakeArchiver) Ping(context.Context) error { return f.pingErr }
func (f *fakeArchiver) Close() error               { return nil }

func perform(t *testing.T, h gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET(path, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil)
	rec := perform(t, h.Liveness, "/health/live")

	require.Equal(t, http.StatusOK, rec.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadinessArchiveDisabled(t *testing.T) {
	h := NewHandler(nil)
	rec := perform(t, h.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["redis"])
}

func TestReadinessArchiveHealthy(t *testing.T) {
	h := NewHandler(&fakeArchiver{})
	rec := perform(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessArchiveDown(t *testing.T) {
	h := NewHandler(&fakeArchiver{pingErr: errors.New("connection refused")})
	rec := perform(t, h.Readiness, "/health/ready")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["redis"])
}
