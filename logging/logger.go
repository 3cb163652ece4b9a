// Package logging provides the leveled event logger shared by the relay,
// the audio pipelines and the conversation orchestrator.
//
// Every log line is an event name plus a flat set of fields:
//
//	log.Info("ws_connected", map[string]any{"url": u})
//
// Output is JSON by default (one object per line) and can be switched to a
// human readable console format.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity level of a log message
type Level int

const (
	// LevelDebug logs everything including detailed debugging information
	LevelDebug Level = iota
	// LevelInfo logs informational messages and above
	LevelInfo
	// LevelWarn logs warnings and above
	LevelWarn
	// LevelError logs only errors
	LevelError
	// LevelOff disables all logging
	LevelOff
)

// EnvLevel and EnvFormat name the environment variables read by FromEnv.
const (
	EnvLevel  = "SIMPLYDASH_LOG_LEVEL"
	EnvFormat = "SIMPLYDASH_LOG_FORMAT"
)

// String returns the string representation of a Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF", "NONE":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Logger writes structured events at or above its level.
// A nil *Logger is valid and discards everything.
type Logger struct {
	level Level
	zl    zerolog.Logger
}

// New creates a JSON logger writing to w.
func New(w io.Writer, level Level) *Logger {
	zl := zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
	return &Logger{level: level, zl: zl}
}

// NewConsole creates a logger with colourless, human readable output.
func NewConsole(w io.Writer, level Level) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	return New(cw, level)
}

// FromEnv creates a stderr logger configured from SIMPLYDASH_LOG_LEVEL and
// SIMPLYDASH_LOG_FORMAT ("json" or "console").
func FromEnv() *Logger {
	level := ParseLevel(os.Getenv(EnvLevel))
	if strings.EqualFold(os.Getenv(EnvFormat), "console") {
		return NewConsole(os.Stderr, level)
	}
	return New(os.Stderr, level)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{level: LevelOff, zl: zerolog.Nop()}
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelOff
	}
	return l.level
}

// Enabled reports whether events at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level != LevelOff && level >= l.level
}

// With returns a child logger that adds fields to every event.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{level: l.level, zl: l.zl.With().Fields(fields).Logger()}
}

// Debug logs debug-level events
func (l *Logger) Debug(event string, fields map[string]any) {
	l.log(LevelDebug, event, fields)
}

// Info logs info-level events
func (l *Logger) Info(event string, fields map[string]any) {
	l.log(LevelInfo, event, fields)
}

// Warn logs warning-level events
func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(LevelWarn, event, fields)
}

// Error logs error-level events
func (l *Logger) Error(event string, fields map[string]any) {
	l.log(LevelError, event, fields)
}

func (l *Logger) log(level Level, event string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}
	var e *zerolog.Event
	switch level {
	case LevelDebug:
		e = l.zl.Debug()
	case LevelInfo:
		e = l.zl.Info()
	case LevelWarn:
		e = l.zl.Warn()
	default:
		e = l.zl.Error()
	}
	if len(fields) > 0 {
		e = e.Fields(normalize(fields))
	}
	e.Msg(event)
}

// normalize turns error values into strings so they survive JSON encoding.
func normalize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

// Func adapts the logger to the plain callback signature used by clients
// that only want event notifications.
func (l *Logger) Func() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}
