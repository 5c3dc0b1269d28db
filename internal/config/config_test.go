package config

import (
	"os"
	"strings"
	"testing"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"PORT", "BIND_ADDR", "RTC_MIN_PORT", "RTC_MAX_PORT", "ANNOUNCED_IP",
		"REDIS_ENABLED", "REDIS_ADDR", "GO_ENV", "LOG_LEVEL", "SKIP_AUTH",
	}
	orig := make(map[string]string, len(keys))
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "5000" {
		t.Errorf("expected default PORT '5000', got '%s'", cfg.Port)
	}
	if cfg.RTCMinPort != 40000 || cfg.RTCMaxPort != 49999 {
		t.Errorf("expected default RTC port range 40000-49999, got %d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if !cfg.SkipAuth {
		t.Errorf("expected SKIP_AUTH to default true")
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateEnv_InvalidRTCPortRange(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("RTC_MIN_PORT", "50000")
	os.Setenv("RTC_MAX_PORT", "40000")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for inverted RTC port range")
	}
	if !strings.Contains(err.Error(), "must not exceed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid REDIS_ADDR")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"valid localhost", "localhost:8080", true},
		{"valid ip", "127.0.0.1:3000", true},
		{"missing port", "localhost", false},
		{"missing host", ":8080", false},
		{"invalid port", "localhost:99999", false},
		{"non-numeric port", "localhost:abc", false},
		{"multiple colons", "localhost:8080:9090", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort(%q) = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}
