package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/ggoodman/chatstream-go/transcripts"
)

// MaxHistoryLimit caps the number of messages one history call returns.
const MaxHistoryLimit = 200

// HistoryItem is one role-tagged message of a finished exchange. ID is the
// stream id of the exchange it belongs to.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

// HistoryRequest is the body of a history call.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// NormalizeHistoryLimit rounds limit up to an even number, caps it at
// MaxHistoryLimit and returns the number of exchanges to load. A
// non-positive limit yields zero.
func NormalizeHistoryLimit(limit int) (pairs int) {
	if limit <= 0 {
		return 0
	}
	if limit%2 != 0 {
		limit++
	}
	limit = min(limit, MaxHistoryLimit)
	return limit / 2
}

// History reads finished exchanges back out of the transcript store.
type History struct {
	transcripts transcripts.Store
}

// NewHistory creates a History over store.
func NewHistory(store transcripts.Store) *History {
	return &History{transcripts: store}
}

// Recent returns the caller's most recent finished exchanges as alternating
// user and assistant messages in chronological order. At most limit messages
// are returned after normalization; limit <= 0 returns an empty list without
// touching the store.
func (h *History) Recent(ctx context.Context, userID string, limit int) ([]HistoryItem, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	pairs := NormalizeHistoryLimit(limit)
	if pairs == 0 {
		return []HistoryItem{}, nil
	}

	records, err := h.transcripts.ListFinished(ctx, userID, pairs)
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}
	// Newest first from the store; oldest first on the wire.
	slices.Reverse(records)

	items := make([]HistoryItem, 0, 2*len(records))
	for _, rec := range records {
		id := rec.StreamID()
		items = append(items,
			HistoryItem{Role: RoleUser, Content: rec.Input, ID: id},
			HistoryItem{Role: RoleAssistant, Content: rec.Output, ID: id},
		)
	}
	return items, nil
}
