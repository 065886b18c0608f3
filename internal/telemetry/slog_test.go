package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel tests
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// NewLogger / SetupLogger tests
// ---------------------------------------------------------------------------

func TestNewLogger_JSONFormat_ProducesValidJSON(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "json", "info").Info("test message", "key", "value")

	line := strings.TrimSpace(buf.String())
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, line)
	}
	if obj["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", obj["msg"], "test message")
	}
	if obj["key"] != "value" {
		t.Errorf("key = %v, want %q", obj["key"], "value")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "text", "info").Info("hello", "bucket", "photos")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "bucket=photos") {
		t.Errorf("text output = %q, want msg=hello and bucket=photos", out)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record emitted at warn level: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "error", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, level, r)
					}
				}()
				SetupLogger(format, level)
			})
		}
	}
	SetupLogger("text", "error")
}

func TestSetLevel(t *testing.T) {
	SetupLogger("json", "info")
	t.Cleanup(func() { SetupLogger("text", "error") })

	SetLevel("debug")
	if Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", Level())
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("default logger does not emit debug records after SetLevel(debug)")
	}

	SetLevel("warn")
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger still emits info records after SetLevel(warn)")
	}
}
