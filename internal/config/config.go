// Package config loads and validates process environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the signaling core.
type Config struct {
	Port string

	// Media engine
	BindAddr    string
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional auth extension point (a validator is built when SKIP_AUTH=false, but never enforced)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (connection-level only; no cross-node fan-out)
	RateLimitWsIP   string
	RateLimitWsUser string

	OTLPEndpoint string
}

// ValidateEnv validates all required environment variables and returns a Config.
// Validation errors are aggregated before returning, so an operator sees the
// whole list of problems in one pass rather than fixing them one at a time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "5000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.BindAddr = getEnvOrDefault("BIND_ADDR", "0.0.0.0")

	minPort, err := parsePortBound("RTC_MIN_PORT", 40000)
	if err != nil {
		errs = append(errs, err.Error())
	}
	maxPort, err := parsePortBound("RTC_MAX_PORT", 49999)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if minPort > maxPort {
		errs = append(errs, fmt.Sprintf("RTC_MIN_PORT (%d) must not exceed RTC_MAX_PORT (%d)", minPort, maxPort))
	}
	cfg.RTCMinPort = minPort
	cfg.RTCMaxPort = maxPort

	cfg.AnnouncedIP = os.Getenv("ANNOUNCED_IP")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = getEnvOrDefault("SKIP_AUTH", "true") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func parsePortBound(envVar string, defaultValue uint16) (uint16, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return defaultValue, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s must be a valid port number between 1 and 65535 (got '%s')", envVar, raw)
	}
	return uint16(port), nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"bind_addr", cfg.BindAddr,
		"rtc_port_range", fmt.Sprintf("%d-%d", cfg.RTCMinPort, cfg.RTCMaxPort),
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"skip_auth", cfg.SkipAuth,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
