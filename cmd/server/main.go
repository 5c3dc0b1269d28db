// Command signaling-core runs the room/participant/producer/consumer
// coordination process described in the package docs: it accepts
// WebSocket signaling sessions at /ws, drives the in-process SFU facade,
// and fans out presence and media-availability events to room members.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confrelay/signaling-core/internal/auth"
	"github.com/confrelay/signaling-core/internal/config"
	"github.com/confrelay/signaling-core/internal/coordinator"
	"github.com/confrelay/signaling-core/internal/gateway"
	"github.com/confrelay/signaling-core/internal/health"
	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/middleware"
	"github.com/confrelay/signaling-core/internal/ratelimit"
	"github.com/confrelay/signaling-core/internal/roomregistry"
	"github.com/confrelay/signaling-core/internal/sfufacade"
	"github.com/confrelay/signaling-core/internal/tracing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

// run builds the dependency graph in the order spec.md lays out (SFU
// Facade -> Room Registry -> Room Coordinator -> Session Gateway), serves
// until an interrupt or a fatal worker death, and returns the process exit
// code (0 on orderly shutdown).
func run() int {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tp *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		tp, err = tracing.InitTracer(ctx, "signaling-core", cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracer, continuing without tracing", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "redis ping failed, continuing with degraded rate limiting", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	// --- SFU Facade (leaf dependency) ---
	facade := sfufacade.New()
	facade.Configure(cfg.RTCMinPort, cfg.RTCMaxPort, cfg.AnnouncedIP)
	if err := facade.Init(); err != nil {
		logging.Error(ctx, "sfu facade init failed", zap.Error(err))
		return 1
	}

	// --- Room Registry ---
	rooms := roomregistry.New()

	// --- Room Coordinator ---
	coord := coordinator.New(facade, rooms)

	// --- Session Gateway ---
	gw := gateway.New(coord)
	go gw.Run(ctx)

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter", zap.Error(err))
		return 1
	}

	healthHandler := health.NewHandler(redisClient, facade.Ready)

	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Error(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
			return 1
		}
		if _, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience); err != nil {
			logging.Error(ctx, "failed to create auth validator", zap.Error(err))
			return 1
		}
		logging.Info(ctx, "auth validator initialized (extension point only; /ws does not enforce it in this build)")
	}

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tp != nil {
		router.Use(otelgin.Middleware("signaling-core"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/ws", func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			return
		}
		gw.ServeWS(c)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info(ctx, "signaling core listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logging.Error(ctx, "http server failed", zap.Error(err))
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "graceful http shutdown failed", zap.Error(err))
	}

	if err := facade.Shutdown(); err != nil {
		logging.Error(shutdownCtx, "sfu facade shutdown failed", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if tp != nil {
		_ = tp.Shutdown(shutdownCtx)
	}

	logging.Info(shutdownCtx, "signaling core exited cleanly")
	return 0
}
