package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{" info ", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := LevelFromString(tt.in); got != tt.want {
				t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	if got := ERROR.String(); got != "ERROR" {
		t.Errorf("String() = %q, want ERROR", got)
	}
	if got := LogLevel(42).String(); got != "LEVEL(42)" {
		t.Errorf("String() = %q, want LEVEL(42)", got)
	}
}

func TestTextFormatter(t *testing.T) {
	f := &TextFormatter{}
	entry := LogEntry{
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Level:     INFO,
		Message:   "replication started",
		Fields:    map[string]interface{}{"target": "n2", "file": "f1"},
	}
	got := f.Format(entry)
	want := "[2024-01-01 12:00:00] INFO  replication started file=f1 target=n2"
	if got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}
	entry := LogEntry{
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Level:     WARN,
		Message:   "node offline",
		Fields:    map[string]interface{}{"node": "n3"},
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(f.Format(entry)), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if obj["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", obj["level"])
	}
	if obj["msg"] != "node offline" {
		t.Errorf("msg = %v, want node offline", obj["msg"])
	}
	if obj["node"] != "n3" {
		t.Errorf("node = %v, want n3", obj["node"])
	}
}

func TestModuleLoggerAttachesAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, nil))
	l.Module("replication").Info("session queued", "target", "n2")

	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if obj["module"] != "replication" {
		t.Errorf("module = %v, want replication", obj["module"])
	}
	if obj["target"] != "n2" {
		t.Errorf("target = %v, want n2", obj["target"])
	}
}

func TestWithAddsContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewTextHandler(&buf, nil))
	l.With("file_id", "f9").Warn("stale version rejected")
	if !strings.Contains(buf.String(), "file_id=f9") {
		t.Errorf("output missing file_id attribute: %s", buf.String())
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", slog.LevelError},
		{"junk", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
