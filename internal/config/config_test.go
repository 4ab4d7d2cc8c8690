package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.PathPrefix != "/api/chat" {
		t.Fatalf("unexpected http defaults: %+v", cfg)
	}
	if cfg.ChatCooldown != 3*time.Second || cfg.SessionTTL != 10*time.Minute || cfg.StreamTimeout != 10*time.Minute {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.QueueName != "st.chat" || cfg.RoutingKey != "st.request" || cfg.DefaultModel != "qwen3:0.6b" {
		t.Fatalf("unexpected queue defaults: %+v", cfg)
	}
	if cfg.FlowLimit != 10 || cfg.FlowWindow != 3*time.Second || cfg.FlowBlock != time.Minute {
		t.Fatalf("unexpected flow defaults: %+v", cfg)
	}
}

func TestLoad_EnvOverridesAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("CHAT_COOLDOWN=5s\nWORKER_CONCURRENCY=9\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	// Register restoration for the variable the .env file introduces.
	t.Setenv("CHAT_COOLDOWN", "")
	os.Unsetenv("CHAT_COOLDOWN")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChatCooldown != 5*time.Second {
		t.Fatalf("expected .env value, got %v", cfg.ChatCooldown)
	}
	// godotenv never overrides variables already present.
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("expected process env to win, got %d", cfg.WorkerConcurrency)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("unexpected backend %q", cfg.StoreBackend)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{StoreBackend: "redis", WorkerConcurrency: 1}
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected missing credential config error, got %v", err)
	}
	if err := cfg.ValidateWork(); err == nil || !strings.Contains(err.Error(), "UPSTREAM_BASE_URL") {
		t.Fatalf("expected missing upstream error, got %v", err)
	}
	cfg.JWTSecret = "s"
	cfg.UpstreamBaseURL = "http://localhost:8000"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := cfg.ValidateWork(); err != nil {
		t.Fatalf("work: %v", err)
	}
	cfg.StoreBackend = "etcd"
	if err := cfg.ValidateWork(); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (&Config{LogLevel: in}).SlogLevel(); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
