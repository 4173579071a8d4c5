package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithWriter_JSONAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept", "conversation_id", "c1")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record should be filtered, got %q", out)
	}
	if !strings.Contains(out, `"conversation_id":"c1"`) {
		t.Fatalf("missing json attr, got %q", out)
	}
}

func TestNewWithWriter_RejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := NewWithWriter(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := NewWithWriter(&bytes.Buffer{}, "text", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
