// Package observability provides structured logging and metrics for the
// modelgate client.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
)

// Logger wraps slog with level/format configuration and redaction of
// sensitive values (API keys, bearer tokens, JWTs) in log output.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format selects "json" (default) or "text" output.
	Format string

	// Output is the log writer; defaults to os.Stderr.
	Output io.Writer

	// RedactPatterns are additional regexes applied to string attribute
	// values before they are written.
	RedactPatterns []string
}

// DefaultRedactPatterns covers common secret shapes.
var DefaultRedactPatterns = []string{
	// Gateway / OpenAI-style API keys
	`sk-[a-zA-Z0-9_-]{20,}`,
	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	// Bearer headers
	`(?i)bearer\s+[a-zA-Z0-9_\-\.]{16,}`,
}

const redactedPlaceholder = "[REDACTED]"

// NewLogger creates a structured logger. Empty config fields fall back to
// info level, JSON format, and os.Stderr.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				s := a.Value.String()
				for _, re := range redacts {
					s = re.ReplaceAllString(s, redactedPlaceholder)
				}
				a.Value = slog.StringValue(s)
			}
			return a
		},
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Level: "error", Output: io.Discard})
}

// With returns a logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}
