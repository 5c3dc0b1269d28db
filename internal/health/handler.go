// Package health exposes liveness/readiness probes for the signaling process.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FacadeChecker reports whether the in-process media engine is ready to
// accept new transports.
type FacadeChecker func() bool

// Handler manages health check endpoints.
type Handler struct {
	redisClient *redis.Client
	facadeCheck FacadeChecker
}

// NewHandler creates a new health check handler. redisClient may be nil when
// Redis is disabled; facadeCheck may be nil to skip the media-engine check.
func NewHandler(redisClient *redis.Client, facadeCheck FacadeChecker) *Handler {
	if facadeCheck == nil {
		facadeCheck = func() bool { return true }
	}
	return &Handler{redisClient: redisClient, facadeCheck: facadeCheck}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// independent of any dependency state.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only if all configured
// dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if !h.facadeCheck() {
		checks["media_engine"] = "unhealthy"
		allHealthy = false
	} else {
		checks["media_engine"] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}

	start := time.Now()
	err := h.redisClient.Ping(ctx).Err()
	metrics.RedisOperationDuration.WithLabelValues("ping").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("ping", "error").Inc()
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	metrics.RedisOperationsTotal.WithLabelValues("ping", "success").Inc()
	return "healthy"
}
