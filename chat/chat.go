// Package chat holds the request-side operations of the streaming broker:
// submitting a chat request for asynchronous generation and reading back a
// caller's finished history.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrThrottled is returned when the caller already submitted within the
	// cooldown window. Nothing is persisted.
	ErrThrottled = errors.New("chat: request throttled")
	// ErrUnauthenticated is returned when no caller identity is available.
	ErrUnauthenticated = errors.New("chat: unauthenticated")
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("chat: invalid request")
)

// Roles accepted in a message list.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat request as submitted by a client.
type Request struct {
	ModelID     int       `json:"modelId"`
	CharacterID int       `json:"characterId"`
	Messages    []Message `json:"messages"`
}

// Validate checks the request shape. The returned error wraps
// ErrInvalidRequest.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidRequest, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: messages[%d]: content must not be empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Input is the text persisted as the transcript input: the last message.
func (r Request) Input() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Job is the queue payload handed from the submitter to a worker.
type Job struct {
	StreamID    string    `json:"uuid"`
	UserID      string    `json:"userId"`
	ModelID     int       `json:"modelId"`
	CharacterID int       `json:"characterId"`
	Messages    []Message `json:"messages"`
}

// NewJob maps a submitted request onto its queue payload.
func NewJob(streamID, userID string, r Request) Job {
	return Job{
		StreamID:    streamID,
		UserID:      userID,
		ModelID:     r.ModelID,
		CharacterID: r.CharacterID,
		Messages:    append([]Message(nil), r.Messages...),
	}
}

// Encode serializes the job for the queue.
func (j Job) Encode() ([]byte, error) { return json.Marshal(j) }

// DecodeJob parses a queue payload.
func DecodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("chat: decode job: %w", err)
	}
	if j.StreamID == "" {
		return Job{}, errors.New("chat: job missing stream id")
	}
	return j, nil
}
