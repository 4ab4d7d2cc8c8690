package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestClient_StreamsFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization %q", got)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.Model != "qwen3:0.6b" || len(req.Messages) != 1 || req.Messages[0].Content != "hi" {
			t.Errorf("unexpected request %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// Split one event across two writes.
		for _, part := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"hel",
			"lo\"}}]}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n",
			"data: [DONE]\n\n",
		} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var frags []string
	err = c.Stream(context.Background(), Request{
		Model:    "qwen3:0.6b",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}, func(s string) { frags = append(frags, s) }, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !slices.Equal(frags, []string{"hello", " there"}) {
		t.Fatalf("got %q", frags)
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	err := c.Stream(context.Background(), Request{Model: "m"}, func(string) {
		t.Fatalf("no fragment expected")
	}, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Body != "model overloaded" {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestClient_TransportErrorKeepsEmittedFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		// Abort the connection mid-stream.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("hijack unsupported")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	var frags []string
	err := c.Stream(context.Background(), Request{Model: "m"}, func(s string) { frags = append(frags, s) }, nil)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if !slices.Equal(frags, []string{"partial"}) {
		t.Fatalf("fragments before failure must be kept, got %q", frags)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := c.Stream(context.Background(), Request{Model: "m"}, func(string) {}, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without base url")
	}
}
