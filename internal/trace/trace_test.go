package trace

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEventDoneWritesACompleteEventRecord(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	ev := Event("build gtk", 0)
	ev.Done()

	// Sink wraps the stream in an opening '[' and each event is
	// comma-terminated so the file can be appended to indefinitely; strip
	// both to decode the single record written above.
	raw := bytes.TrimPrefix(buf.Bytes(), []byte{'['})
	raw = bytes.TrimSuffix(raw, []byte{','})

	var got PendingEvent
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decoding emitted event: %v (raw: %s)", err, raw)
	}
	if got.Name != "build gtk" {
		t.Errorf("Name = %q, want %q", got.Name, "build gtk")
	}
	if got.Type != "X" {
		t.Errorf("Type = %q, want %q (complete event)", got.Type, "X")
	}
}
