package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/oversight/internal/shared"
)

// LogFileName is the JSON-lines log written under <home>/logs.
const LogFileName = "oversight.jsonl"

// LogFile is the open log sink behind NewLogger. Its level is shared by
// every logger derived from the returned one and can change at runtime.
type LogFile struct {
	file  *os.File
	level *slog.LevelVar
}

// Path returns the log file location.
func (l *LogFile) Path() string { return l.file.Name() }

// Level returns the current minimum level.
func (l *LogFile) Level() slog.Level { return l.level.Level() }

// SetLevel parses level and applies it to subsequent records.
func (l *LogFile) SetLevel(level string) slog.Level {
	lvl := ParseLevel(level)
	l.level.Set(lvl)
	return lvl
}

func (l *LogFile) Close() error { return l.file.Close() }

// NewLogger opens <home>/logs/oversight.jsonl and returns a JSON logger that
// writes to it, and to stdout unless quiet.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *LogFile, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	lf := &LogFile{file: file, level: new(slog.LevelVar)}
	lf.SetLevel(level)

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newLogger(w, lf.level), lf, nil
}

// NewWriterLogger returns the operator's JSON logger over w at a fixed level.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return newLogger(w, ParseLevel(level))
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "operator", "trace_id", "-")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
