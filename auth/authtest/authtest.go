// Package authtest provides Authenticator implementations for tests.
package authtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggoodman/chatstream-go/auth"
)

// Static maps bearer tokens to user ids. Unknown tokens are rejected with
// auth.ErrUnauthorized.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStatic creates a Static authenticator seeded with token -> user id pairs.
func NewStatic(tokens map[string]string) *Static {
	s := &Static{tokens: make(map[string]string, len(tokens))}
	for k, v := range tokens {
		s.tokens[k] = v
	}
	return s
}

// Add registers tok for userID.
func (s *Static) Add(tok, userID string) {
	s.mu.Lock()
	s.tokens[tok] = userID
	s.mu.Unlock()
}

// Revoke forgets tok.
func (s *Static) Revoke(tok string) {
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
}

func (s *Static) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	id, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok || tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return userInfo(id), nil
}

type userInfo string

func (u userInfo) UserID() string { return string(u) }

func (u userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"id": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
