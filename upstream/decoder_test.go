package upstream

import (
	"errors"
	"slices"
	"testing"
)

const ssePayload = "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
	": keep-alive\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo \\u00e9\"}}]}\n\n" +
	"data: {not json\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"there\\n\"},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

var sseFragments = []string{"hel", "lo é", "there\n"}

func decodeAll(chunks ...string) (frags []string, malformed int) {
	dec := Decoder{Malformed: func(string, error) { malformed++ }}
	emit := func(s string) { frags = append(frags, s) }
	for _, c := range chunks {
		dec.Feed([]byte(c), emit)
	}
	dec.Flush(emit)
	return frags, malformed
}

func TestDecoder_SSE(t *testing.T) {
	frags, malformed := decodeAll(ssePayload)
	if !slices.Equal(frags, sseFragments) {
		t.Fatalf("fragments: got %q want %q", frags, sseFragments)
	}
	if malformed != 1 {
		t.Fatalf("expected 1 malformed line, got %d", malformed)
	}
}

func TestDecoder_SplitAtEveryByte(t *testing.T) {
	for i := 0; i <= len(ssePayload); i++ {
		frags, malformed := decodeAll(ssePayload[:i], ssePayload[i:])
		if !slices.Equal(frags, sseFragments) {
			t.Fatalf("split at %d: got %q want %q", i, frags, sseFragments)
		}
		if malformed != 1 {
			t.Fatalf("split at %d: expected 1 malformed line, got %d", i, malformed)
		}
	}
}

func TestDecoder_OneByteAtATime(t *testing.T) {
	chunks := make([]string, 0, len(ssePayload))
	for i := range len(ssePayload) {
		chunks = append(chunks, ssePayload[i:i+1])
	}
	frags, _ := decodeAll(chunks...)
	if !slices.Equal(frags, sseFragments) {
		t.Fatalf("got %q want %q", frags, sseFragments)
	}
}

func TestDecoder_BareJSONLinesAndCRLF(t *testing.T) {
	payload := "{\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\r\n" +
		"{\"choices\":[{\"delta\":{\"content\":\"b\"}}]}"
	frags, malformed := decodeAll(payload)
	if !slices.Equal(frags, []string{"a", "b"}) {
		t.Fatalf("got %q", frags)
	}
	if malformed != 0 {
		t.Fatalf("unexpected malformed lines: %d", malformed)
	}
}

func TestDecoder_MalformedReportsSentinel(t *testing.T) {
	var got error
	dec := Decoder{Malformed: func(_ string, err error) { got = err }}
	dec.Feed([]byte("data: {\"choices\":\n"), func(string) {
		t.Fatalf("malformed line must not emit")
	})
	if !errors.Is(got, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", got)
	}
}

func TestDecoder_SkipsControlLines(t *testing.T) {
	frags, malformed := decodeAll("event: message\nid: 3\nretry: 100\ndata:\n[DONE]\n{\"choices\":[]}\n")
	if len(frags) != 0 || malformed != 0 {
		t.Fatalf("control lines must be ignored, got %q (%d malformed)", frags, malformed)
	}
}
