package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_WritesJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("production", "info", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Str("queue_id", "abc").Msg("claimed")

	out := buf.String()
	if !strings.Contains(out, `"queue_id":"abc"`) {
		t.Errorf("expected queue_id field, got %s", out)
	}
	if !strings.Contains(out, `"message":"claimed"`) {
		t.Errorf("expected message field, got %s", out)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("production", "warn", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %s", buf.String())
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("production", "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
}
