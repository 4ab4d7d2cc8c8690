package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMalformedChunk marks a single upstream line that could not be parsed.
// It is reported and skipped; it never terminates a stream.
var ErrMalformedChunk = errors.New("upstream: malformed chunk")

const doneMarker = "[DONE]"

// FragmentFunc receives one non-empty piece of generated text.
type FragmentFunc func(text string)

// MalformedFunc receives a line that was skipped and the reason.
type MalformedFunc func(line string, err error)

// Decoder turns arbitrarily split transport chunks into content fragments.
//
// Input is line oriented: either server-sent events ("data: {...}") or bare
// JSON lines. A line is only parsed once its terminating newline arrived, so
// the fragments produced do not depend on where the transport split the
// bytes. The zero value is ready to use.
type Decoder struct {
	// Malformed, if set, is called for every line that fails to parse.
	Malformed MalformedFunc

	buf []byte
}

// Feed consumes one transport chunk and emits the fragments of every line it
// completes, in order.
func (d *Decoder) Feed(chunk []byte, emit FragmentFunc) {
	d.buf = append(d.buf, chunk...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		d.line(line, emit)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// Flush processes a trailing line that was not newline terminated.
func (d *Decoder) Flush(emit FragmentFunc) {
	if len(d.buf) == 0 {
		return
	}
	line := string(d.buf)
	d.buf = nil
	d.line(line, emit)
}

func (d *Decoder) line(raw string, emit FragmentFunc) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(rest)
	} else if isSSEField(line) {
		return
	}
	if line == "" || line == doneMarker {
		return
	}

	text, err := parseDelta(line)
	if err != nil {
		if d.Malformed != nil {
			d.Malformed(line, err)
		}
		return
	}
	if text != "" {
		emit(text)
	}
}

func isSSEField(line string) bool {
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

// parseDelta extracts the first choice's delta content from one JSON chunk.
func parseDelta(line string) (string, error) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}
