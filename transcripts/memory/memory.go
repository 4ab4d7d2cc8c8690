// Package memory provides an in-process transcripts.Store for development and
// tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/chatstream-go/transcripts"
)

// Store implements transcripts.Store with a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	records map[int64]transcripts.Record
	nextID  int64
}

// New creates an empty store. Ids start at 1.
func New() *Store {
	return &Store{records: make(map[int64]transcripts.Record)}
}

func (s *Store) InsertPending(ctx context.Context, p transcripts.Pending) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.records[id] = transcripts.Record{
		ID:          id,
		UserID:      p.UserID,
		ModelID:     p.ModelID,
		CharacterID: p.CharacterID,
		Input:       p.Input,
		Begin:       p.Begin,
	}
	return id, nil
}

func (s *Store) Finish(ctx context.Context, id int64, output string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, transcripts.ErrNotFound
	}
	if rec.Finished() {
		return false, nil
	}
	rec.Output = output
	rec.Finish = &at
	s.records[id] = rec
	return true, nil
}

func (s *Store) Get(ctx context.Context, id int64) (transcripts.Record, error) {
	if err := ctx.Err(); err != nil {
		return transcripts.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return transcripts.Record{}, transcripts.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListFinished(ctx context.Context, userID string, limit int) ([]transcripts.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	var out []transcripts.Record
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Finished() {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b transcripts.Record) int {
		if c := b.Begin.Compare(a.Begin); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time interface check
var _ transcripts.Store = (*Store)(nil)
