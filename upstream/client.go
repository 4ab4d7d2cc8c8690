// Package upstream talks to the chat-completion provider in streaming mode.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds one streaming call end to end.
const DefaultTimeout = 5 * time.Minute

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Request is one generation call.
type Request struct {
	Model    string
	Messages []openai.ChatCompletionMessage
}

// Config configures a Client.
type Config struct {
	// BaseURL is the provider's OpenAI-compatible root, e.g.
	// "http://localhost:8000/api/backends/chat-completions". Required.
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Timeout bounds one call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// Client streams completions from the provider.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream: base url is required")
	}
	c := &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// Stream performs one streaming completion call. Every content fragment is
// passed to fragment in upstream order; unparseable lines go to malformed
// (which may be nil) and are skipped. A nil return means the provider ended
// the stream normally; any error is a transport failure and fragments already
// emitted remain valid.
func (c *Client) Stream(ctx context.Context, req Request, fragment FragmentFunc, malformed MalformedFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("upstream: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	dec := Decoder{Malformed: malformed}
	buf := make([]byte, 4<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], fragment)
		}
		if rerr == io.EOF {
			dec.Flush(fragment)
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("upstream: read stream: %w", rerr)
		}
	}
}
