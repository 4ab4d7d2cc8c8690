// Package transcriptstest provides a conformance suite for transcripts.Store
// implementations.
package transcriptstest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/transcripts"
)

// StoreFactory creates a fresh, empty store for one test.
type StoreFactory func(t *testing.T) transcripts.Store

// RunStoreTests runs the complete transcript store suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("InsertPendingThenGet", func(t *testing.T) {
		testInsertPendingThenGet(t, factory)
	})
	t.Run("FinishExactlyOnce", func(t *testing.T) {
		testFinishExactlyOnce(t, factory)
	})
	t.Run("ConcurrentFinishSingleWriter", func(t *testing.T) {
		testConcurrentFinishSingleWriter(t, factory)
	})
	t.Run("FinishMissing", func(t *testing.T) {
		testFinishMissing(t, factory)
	})
	t.Run("GetMissing", func(t *testing.T) {
		testGetMissing(t, factory)
	})
	t.Run("ListFinishedNewestFirst", func(t *testing.T) {
		testListFinishedNewestFirst(t, factory)
	})
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testInsertPendingThenGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	id, err := s.InsertPending(ctx, transcripts.Pending{
		UserID:      "7",
		ModelID:     1,
		CharacterID: 3,
		Input:       "hi",
		Begin:       epoch,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != id || rec.UserID != "7" || rec.ModelID != 1 || rec.CharacterID != 3 || rec.Input != "hi" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.Begin.Equal(epoch) {
		t.Fatalf("begin: got %v want %v", rec.Begin, epoch)
	}
	if rec.Finished() || rec.Output != "" {
		t.Fatalf("new record must be pending, got %+v", rec)
	}

	other, err := s.InsertPending(ctx, transcripts.Pending{UserID: "7", Input: "again", Begin: epoch})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if other == id {
		t.Fatalf("ids must be unique")
	}
}

func testFinishExactlyOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	id, err := s.InsertPending(ctx, transcripts.Pending{UserID: "7", Input: "hi", Begin: epoch})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := epoch.Add(2 * time.Second)
	ok, err := s.Finish(ctx, id, "hello there", at)
	if err != nil || !ok {
		t.Fatalf("first finish: ok=%v err=%v", ok, err)
	}

	ok, err = s.Finish(ctx, id, "corrupted", at.Add(time.Second))
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if ok {
		t.Fatalf("second finish must report no write")
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Output != "hello there" {
		t.Fatalf("output overwritten: %q", rec.Output)
	}
	if rec.Finish == nil || !rec.Finish.Equal(at) {
		t.Fatalf("finish time: got %v want %v", rec.Finish, at)
	}
}

func testConcurrentFinishSingleWriter(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	id, err := s.InsertPending(ctx, transcripts.Pending{UserID: "7", Input: "hi", Begin: epoch})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Finish(ctx, id, "out", epoch)
			if err != nil {
				t.Errorf("finish: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one finishing write, got %d", wins.Load())
	}
}

func testFinishMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Finish(t.Context(), 999, "x", epoch); !errors.Is(err, transcripts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Get(t.Context(), 999); !errors.Is(err, transcripts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListFinishedNewestFirst(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	var ids []int64
	for i := range 5 {
		id, err := s.InsertPending(ctx, transcripts.Pending{
			UserID: "7",
			Input:  "q",
			Begin:  epoch.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	// Leave the newest pending; it must not be listed.
	for _, id := range ids[:4] {
		if _, err := s.Finish(ctx, id, "a", epoch.Add(time.Hour)); err != nil {
			t.Fatalf("finish %d: %v", id, err)
		}
	}
	// Another user's record must not leak.
	foreign, _ := s.InsertPending(ctx, transcripts.Pending{UserID: "8", Input: "q", Begin: epoch.Add(time.Hour)})
	_, _ = s.Finish(ctx, foreign, "a", epoch.Add(time.Hour))

	got, err := s.ListFinished(ctx, "7", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []int64{ids[3], ids[2], ids[1]}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("record %d: got id %d want %d", i, got[i].ID, want[i])
		}
	}

	all, err := s.ListFinished(ctx, "7", 100)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 finished records, got %d", len(all))
	}

	none, err := s.ListFinished(ctx, "7", 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("limit 0 must return nothing: %v %v", none, err)
	}
}
