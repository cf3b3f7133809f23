package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, " warn ": LevelWarn, "warning": LevelWarn, "error": LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
	if LevelWarn.String() != "WARN" || Level(42).String() != "UNKNOWN" {
		t.Fatalf("unexpected level names")
	}
}

func TestLoggerFiltersByLevelAndAddsService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, JSON: true, Service: "trackcore", Output: &buf})
	logger.Info("dropped")
	logger.With("position", "p1").Warn("kept", "objects", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["msg"] != "kept" || rec["service"] != "trackcore" || rec["position"] != "p1" || rec["objects"] != float64(3) {
		t.Fatalf("unexpected record %v", rec)
	}
	if logger.Slog() == nil {
		t.Fatalf("expected slog logger")
	}
}

func TestLoggerWritesTextByDefault(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf}).Error("failed", "err", "boom")
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "err=boom") {
		t.Fatalf("unexpected text output %q", buf.String())
	}
}

func TestLoggerWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Service: "repair", LogDir: dir, Output: &buf})
	logger.Debug("scanning", "position", "p1")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "repair_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"scanning"`) {
		t.Fatalf("expected JSON record in file, got %q", data)
	}
	if !strings.Contains(buf.String(), "scanning") {
		t.Fatalf("expected the record on the console too")
	}
}

func TestQuietLoggerWithoutFileFallsBackToOutput(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Quiet: true, Output: &buf}).Info("still here")
	if !strings.Contains(buf.String(), "still here") {
		t.Fatalf("expected fallback output, got %q", buf.String())
	}
}
