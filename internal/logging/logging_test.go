package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

// Tests here share the package level, so they do not run in parallel.

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "WARN")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("batch upload failed", "feature", "logging")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "batch upload failed" || line["feature"] != "logging" || line["service"] != "mobiletrace" {
		t.Fatalf("log line = %v", line)
	}
}

func TestSetLevel(t *testing.T) {
	if err := SetLevel(""); err != nil {
		t.Fatalf("SetLevel(\"\") error = %v", err)
	}
	if Level() != slog.LevelInfo {
		t.Fatalf("level = %s, want INFO", Level())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
