// Package transcripts defines the durable record of one chat request and its
// generated reply.
//
// A record is written twice in its lifetime: once pending, by the submitter,
// and once finished, by the worker that consumed the request. Finish is
// conditional on the record still being pending, which makes a redelivered
// request a no-op instead of an overwrite.
package transcripts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("transcripts: record not found")

// Record is one persisted transcript.
type Record struct {
	ID          int64
	UserID      string
	ModelID     int
	CharacterID int
	Input       string
	// Output is empty until the record is finished.
	Output string
	Begin  time.Time
	// Finish is nil while the record is pending.
	Finish *time.Time
}

// Finished reports whether the record has left the pending state.
func (r Record) Finished() bool { return r.Finish != nil }

// StreamID renders the record id the way clients see it.
func (r Record) StreamID() string { return FormatID(r.ID) }

// Pending describes a record to be created.
type Pending struct {
	UserID      string
	ModelID     int
	CharacterID int
	Input       string
	Begin       time.Time
}

// Store persists transcript records.
type Store interface {
	// InsertPending creates a pending record and returns its id.
	InsertPending(ctx context.Context, p Pending) (int64, error)

	// Finish sets output and finish time on a pending record. It reports
	// false, without modifying anything, if the record is already finished,
	// and returns ErrNotFound if it does not exist.
	Finish(ctx context.Context, id int64, output string, at time.Time) (bool, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id int64) (Record, error)

	// ListFinished returns up to limit finished records owned by userID,
	// newest first.
	ListFinished(ctx context.Context, userID string, limit int) ([]Record, error)
}

// FormatID renders a record id as a stream id.
func FormatID(id int64) string { return strconv.FormatInt(id, 10) }

// ParseID parses a stream id back into a record id.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("transcripts: invalid id %q", s)
	}
	return id, nil
}
