package streaminghttp

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/chatstream-go/connections"
)

const (
	// FragmentPrefix marks content frames so clients can tell them from
	// control frames.
	FragmentPrefix = "|"
	// DoneMarker is the data of the completion frame.
	DoneMarker = "[DONE]"
	// ErrorPrefix prefixes the data of a terminal error frame.
	ErrorPrefix = "[ERROR]: "
)

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// lineBreaks maps every SSE line terminator onto "\n".
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// writeSSEEvent writes one Server-Sent Event. Each line of data becomes its
// own data field so multi-line payloads survive framing; clients rejoin them
// with "\n", so "\r\n" and a bare "\r" both arrive as "\n". It automatically
// flushes the response after writing.
func writeSSEEvent(wf *lockedWriteFlusher, event string, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(lineBreaks.Replace(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := wf.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	wf.Flush()
	return nil
}

// sseSink renders connection events as SSE frames. Every write carries its
// own deadline so a stalled reader cannot hold its handle open past it.
type sseSink struct {
	wf      *lockedWriteFlusher
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseSink) Send(ev connections.Event) error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	switch ev.Kind {
	case connections.EventConnect:
		return writeSSEEvent(s.wf, "CONNECT", ev.Data)
	case connections.EventFragment:
		return writeSSEEvent(s.wf, "", FragmentPrefix+ev.Data)
	case connections.EventComplete:
		return writeSSEEvent(s.wf, "", DoneMarker)
	case connections.EventError:
		return writeSSEEvent(s.wf, "ERROR", ErrorPrefix+ev.Data)
	default:
		return fmt.Errorf("unknown event kind %s", ev.Kind)
	}
}
