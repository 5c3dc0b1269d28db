// Package ratelimit guards the /ws upgrade endpoint against abusive clients
// using a Redis-backed (or in-memory, for single-instance deployments)
// fixed-window request counter per remote IP and per participant id.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/confrelay/signaling-core/internal/config"
	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter enforces connection-level limits on the websocket upgrade path.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter backed by redisClient, or an in-memory
// store if redisClient is nil (single-instance / local development).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "signaling-core:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (redis disabled)")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocket enforces the per-IP limit on an incoming upgrade request.
// It writes a 429 response and returns false when the limit is exceeded.
// Store failures fail open so a degraded rate limiter never blocks signaling.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	res, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(res.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-participant limit. Call after the
// participant's identity is known (post-JOIN, or post-auth if enforced).
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, participantID string) error {
	res, err := rl.wsUser.Get(ctx, participantID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return nil
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "participant").Inc()
		return fmt.Errorf("rate limit exceeded for participant %s", participantID)
	}

	return nil
}
