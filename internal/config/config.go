// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full process configuration. Defaults are provided via struct
// tags.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR,default=:8080"`
	PathPrefix string `env:"PUBLIC_PATH_PREFIX,default=/api/chat"`

	// StoreBackend selects the shared store, queue and relay: "redis" or
	// "memory". The memory backend only works with the "all" command.
	StoreBackend   string `env:"STORE_BACKEND,default=redis"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX"`

	DBDriver string `env:"DB_DRIVER,default=sqlite"`
	DBDSN    string `env:"DB_DSN,default=file:chatstream.db?_busy_timeout=5000"`

	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL"`
	UpstreamAPIKey  string        `env:"UPSTREAM_API_KEY"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=5m"`

	DefaultModel     string `env:"DEFAULT_MODEL,default=qwen3:0.6b"`
	ModelCatalogPath string `env:"MODEL_CATALOG_PATH"`

	ChatCooldown      time.Duration `env:"CHAT_COOLDOWN,default=3s"`
	SessionTTL        time.Duration `env:"SESSION_TTL,default=10m"`
	StreamTimeout     time.Duration `env:"STREAM_TIMEOUT,default=10m"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	QueueName         string        `env:"QUEUE_NAME,default=st.chat"`
	RoutingKey        string        `env:"ROUTING_KEY,default=st.request"`

	JWTSecret  string `env:"JWT_SECRET"`
	JWTJWKSURL string `env:"JWT_JWKS_URL"`
	JWTIssuer  string `env:"JWT_ISSUER"`

	FlowLimit  int64         `env:"FLOW_LIMIT,default=10"`
	FlowWindow time.Duration `env:"FLOW_WINDOW,default=3s"`
	FlowBlock  time.Duration `env:"FLOW_BLOCK,default=1m"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads an optional .env file (a missing file is not an error) and then
// decodes the environment into a Config.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	return &cfg, nil
}

// ValidateServe checks the settings the HTTP side needs.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.JWTSecret == "" && c.JWTJWKSURL == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or JWT_JWKS_URL is required"))
	}
	if c.JWTSecret != "" && c.JWTJWKSURL != "" {
		errs = append(errs, errors.New("JWT_SECRET and JWT_JWKS_URL are mutually exclusive"))
	}
	return errors.Join(append(errs, c.validateShared())...)
}

// ValidateWork checks the settings the worker side needs.
func (c *Config) ValidateWork() error {
	var errs []error
	if c.UpstreamBaseURL == "" {
		errs = append(errs, errors.New("UPSTREAM_BASE_URL is required"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	return errors.Join(append(errs, c.validateShared())...)
}

func (c *Config) validateShared() error {
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", c.StoreBackend)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(c.LogLevel)))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
