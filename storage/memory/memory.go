// Package memory provides an in-process implementation of storage.Store. It
// is suitable for single-process deployments and tests; state is not shared
// across processes.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
)

type item struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Store implements storage.Store with a mutex-guarded map. Expired entries
// are treated as absent on access and swept periodically.
type Store struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store and starts its background sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*item),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep(time.Minute)
	return s
}

// lookupLocked returns the live item for key, evicting it if expired.
func (s *Store) lookupLocked(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

func (s *Store) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(key); ok {
		return false, nil
	}
	it := &item{value: value}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = it
	return true, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookupLocked(key)
	return ok, nil
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, -1, 0, false)
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.add(ctx, key, 1, ttl, true)
}

func (s *Store) add(ctx context.Context, key string, delta int64, ttl time.Duration, create bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookupLocked(key)
	if !ok && !create {
		return 0, storage.ErrNotFound
	}
	if !ok {
		it = &item{value: "0"}
		if ttl > 0 {
			it.expiresAt = s.now().Add(ttl)
		}
		s.items[key] = it
	}
	cur, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, storage.ErrNotInteger
	}
	cur += delta
	it.value = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. The store remains usable afterwards.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, it := range s.items {
				if it.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ storage.Store = (*Store)(nil)
