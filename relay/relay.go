// Package relay carries stream output from the process running a worker to
// the process holding the client's connection.
//
// In a single process the worker writes straight into the connection
// registry. When workers and connection holders are separate processes, a
// Publisher stands in for the registry on the worker side and a Subscriber
// replays every message into the local registry on the serving side.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/chatstream-go/connections"
)

// Sink receives the output of one stream, addressed by stream id. Every
// method tolerates an unbound id.
type Sink interface {
	// Push forwards one fragment. It reports whether the fragment was handed
	// on: queued for a live handle, or published to at least one process.
	Push(id string, payload string) bool
	// Complete signals a normal end of stream.
	Complete(id string)
	// CompleteWithError signals an abnormal end of stream.
	CompleteWithError(id string, cause error)
}

// Kind discriminates relay messages.
type Kind string

const (
	KindFragment Kind = "fragment"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Message is the wire form of one Sink call.
type Message struct {
	Kind     Kind   `json:"kind"`
	StreamID string `json:"streamId"`
	Data     string `json:"data,omitempty"`
}

// Encode serializes m.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

// Decode parses one relay message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("relay: decode message: %w", err)
	}
	if m.StreamID == "" {
		return Message{}, errors.New("relay: message missing stream id")
	}
	switch m.Kind {
	case KindFragment, KindComplete, KindError:
	default:
		return Message{}, fmt.Errorf("relay: unknown message kind %q", m.Kind)
	}
	return m, nil
}

// Deliver replays m into sink. It reports false only for a fragment the sink
// did not accept.
func Deliver(sink Sink, m Message) bool {
	switch m.Kind {
	case KindFragment:
		return sink.Push(m.StreamID, m.Data)
	case KindComplete:
		sink.Complete(m.StreamID)
	case KindError:
		sink.CompleteWithError(m.StreamID, errors.New(m.Data))
	}
	return true
}

var _ Sink = (*connections.Registry)(nil)
