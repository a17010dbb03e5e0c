package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsync/collab/internal/v1/config"
)

func newTestLimiter(t *testing.T, wsIP, wsUser, httpRate string) *RateLimiter {
	t.Helper()
	cfg := &config.Config{
		RateLimitWsIP:   wsIP,
		RateLimitWsUser: wsUser,
		RateLimitHTTP:   httpRate,
	}
	rl, err := NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	return rl
}

func ginContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
	c.Request.RemoteAddr = "10.0.0.1:1234"
	return c, rec
}

func TestInvalidRateFormat(t *testing.T) {
	cfg := &config.Config{RateLimitWsIP: "banana", RateLimitWsUser: "10-M", RateLimitHTTP: "300-M"}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestCheckWebSocketAllowsUnderLimit(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "10-M", "300-M")
	c, _ := ginContext(t)

	assert.True(t, rl.CheckWebSocket(c))
}

func TestCheckWebSocketBlocksOverLimit(t *testing.T) {
	rl := newTestLimiter(t, "2-M", "10-M", "300-M")

	for i := 0; i < 2; i++ {
		c, _ := ginContext(t)
		require.True(t, rl.CheckWebSocket(c))
	}

	c, rec := ginContext(t)
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "2-M", "300-M")
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "alice"))

	// Separate users have separate budgets.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "bob"))
}

func TestHTTPMiddleware(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "10-M", "2-M")
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/v1/rooms/:roomId/snapshot", rl.HTTPMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/rooms/doc-1/snapshot", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rooms/doc-1/snapshot", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
