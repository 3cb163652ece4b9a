package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelOff, "OFF"},
		{Level(999), "UNKNOWN"},
	}

	for _, test := range tests {
		if got := test.level.String(); got != test.expected {
			t.Errorf("Level(%d).String() = %q, want %q", test.level, got, test.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{" info ", LevelInfo},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"off", LevelOff},
		{"none", LevelOff},
		{"invalid", LevelInfo},
		{"", LevelInfo},
	}

	for _, test := range tests {
		if got := ParseLevel(test.input); got != test.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", test.input, got, test.expected)
		}
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn)

	log.Debug("debug_event", nil)
	log.Info("info_event", nil)
	log.Warn("warn_event", map[string]any{"count": 3})
	log.Error("error_event", map[string]any{"err": errors.New("boom")})

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["message"] != "warn_event" || lines[0]["level"] != "warn" {
		t.Errorf("unexpected first line: %v", lines[0])
	}
	if lines[0]["count"] != float64(3) {
		t.Errorf("expected count=3, got %v", lines[0]["count"])
	}
	if lines[1]["err"] != "boom" {
		t.Errorf("expected error to be stringified, got %v", lines[1]["err"])
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug).With(map[string]any{"conn_id": "abc"})

	log.Info("frame", map[string]any{"dir": "up"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["conn_id"] != "abc" || lines[0]["dir"] != "up" {
		t.Errorf("expected merged fields, got %v", lines[0])
	}
}

func TestLogger_NilAndNop(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Info("ignored", nil)
	if nilLogger.With(map[string]any{"a": 1}) != nil {
		t.Error("With on nil logger should stay nil")
	}
	if nilLogger.Enabled(LevelError) {
		t.Error("nil logger should not be enabled")
	}

	nop := Nop()
	nop.Error("ignored", nil)
	if nop.Level() != LevelOff {
		t.Errorf("expected LevelOff, got %v", nop.Level())
	}
}

func TestLogger_Off(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelOff)
	log.Error("should_not_appear", nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	t.Setenv(EnvFormat, "console")
	log := FromEnv()
	if log.Level() != LevelDebug {
		t.Errorf("expected LevelDebug from env, got %v", log.Level())
	}
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsole(&buf, LevelInfo)
	log.Info("console_event", map[string]any{"k": "v"})
	out := buf.String()
	if !strings.Contains(out, "console_event") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected console output %q", out)
	}
}

func TestLogger_Func(t *testing.T) {
	var buf bytes.Buffer
	fn := New(&buf, LevelInfo).Func()
	fn("callback_event", nil)
	if !strings.Contains(buf.String(), "callback_event") {
		t.Errorf("expected callback event in output, got %q", buf.String())
	}
}
