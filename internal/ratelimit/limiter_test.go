package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/confrelay/signaling-core/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitWsIP:   "5-M",
		RateLimitWsUser: "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:   "5-M",
		RateLimitWsUser: "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/ws", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = req
		assert.True(t, rl.CheckWebSocket(ctx))
	}

	req, _ := http.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = req
	assert.False(t, rl.CheckWebSocket(ctx))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, rl.CheckWebSocketUser(ctx, "user-1"))
	}

	assert.Error(t, rl.CheckWebSocketUser(ctx, "user-1"))
}

func TestCheckWebSocket_FailOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	gin.SetMode(gin.TestMode)
	req, _ := http.NewRequest("GET", "/ws", nil)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = req

	assert.True(t, rl.CheckWebSocket(ctx))
}
