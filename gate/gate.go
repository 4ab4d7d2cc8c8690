// Package gate implements throttling primitives on top of a shared expiring
// store: a once-per-window gate keyed by caller identity, and a per-address
// flow limiter that blocks noisy clients for a while.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
)

// Key prefixes shared with every other consumer of the same store.
const (
	OnceKeyPrefix      = "verify:chat:limit:"
	FlowCounterPrefix  = "flow:counter:"
	FlowBlockKeyPrefix = "flow:block:"
)

// Once is a "has this key fired within the window" gate. Its check-and-mark
// is a single conditional set in the shared store, so at most one caller per
// key and window wins no matter how many processes are serving.
type Once struct {
	store  storage.Store
	prefix string
}

// NewOnce returns a gate that namespaces its keys with OnceKeyPrefix.
func NewOnce(store storage.Store) *Once {
	return &Once{store: store, prefix: OnceKeyPrefix}
}

// TryOnce returns true and marks key as used for window iff key was not
// already marked. A store failure is returned as an error and must be treated
// as a rejection by callers.
func (o *Once) TryOnce(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := o.store.SetNX(ctx, o.prefix+key, "", window)
	if err != nil {
		return false, fmt.Errorf("gate: try once: %w", err)
	}
	return ok, nil
}

// FlowConfig bounds request volume per address.
type FlowConfig struct {
	// Limit is the number of requests allowed per Window.
	Limit int64
	// Window is the counting window.
	Window time.Duration
	// Block is how long an address stays blocked after exceeding Limit.
	Block time.Duration
}

// FlowLimiter counts requests per address and blocks addresses that exceed
// the configured limit within one window.
type FlowLimiter struct {
	store storage.Store
	cfg   FlowConfig
}

// NewFlowLimiter creates a FlowLimiter. Zero fields fall back to 10 requests
// per 3 seconds with a one minute block.
func NewFlowLimiter(store storage.Store, cfg FlowConfig) *FlowLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Minute
	}
	return &FlowLimiter{store: store, cfg: cfg}
}

// Allow reports whether another request from addr may proceed.
func (f *FlowLimiter) Allow(ctx context.Context, addr string) (bool, error) {
	blocked, err := f.store.Exists(ctx, FlowBlockKeyPrefix+addr)
	if err != nil {
		return false, fmt.Errorf("gate: flow block lookup: %w", err)
	}
	if blocked {
		return false, nil
	}
	n, err := f.store.IncrWithTTL(ctx, FlowCounterPrefix+addr, f.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("gate: flow count: %w", err)
	}
	if n <= f.cfg.Limit {
		return true, nil
	}
	if _, err := f.store.SetNX(ctx, FlowBlockKeyPrefix+addr, "1", f.cfg.Block); err != nil {
		return false, fmt.Errorf("gate: flow block: %w", err)
	}
	return false, nil
}
