// Package observability holds the runtime's structured logging and Prometheus
// instrumentation. Logging is slog with JSON or text output, correlation ids
// (request, session, run, worker) attached via context, and sensitive-value
// redaction applied before a record is written.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures a Logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regexes for sensitive data; the defaults
	// already cover API keys, bearer tokens, and passwords.
	RedactPatterns []string
}

// ContextKey is the type for correlation-id context keys.
type ContextKey string

const (
	// RequestIDKey correlates one inbound request across components.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the chat session owning the current work.
	SessionIDKey ContextKey = "session_id"

	// RunIDKey is the task-agent run being executed.
	RunIDKey ContextKey = "run_id"

	// WorkerIDKey is the pool worker executing the current task.
	WorkerIDKey ContextKey = "worker_id"
)

// contextKeys is the extraction order for WithContext and log records.
var contextKeys = []ContextKey{RequestIDKey, SessionIDKey, RunIDKey, WorkerIDKey}

// DefaultRedactPatterns matches common secret shapes in logged values.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

const redactedPlaceholder = "[REDACTED]"

// Logger wraps slog with redaction and context correlation.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger from config, compiling the redaction patterns.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// LogLevelFromString parses a level name, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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

// WithFields returns a logger with extra key-value attrs attached to every
// record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

// WithContext returns a logger carrying whatever correlation ids the context
// holds.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	args := contextArgs(ctx)
	if len(args) == 0 {
		return l
	}
	return l.WithFields(args...)
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	all := append(contextArgs(ctx), args...)
	for i := 1; i < len(all); i += 2 {
		if s, ok := all[i].(string); ok {
			all[i] = l.redactString(s)
		}
	}
	l.logger.Log(ctx, level, msg, all...)
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

func contextArgs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var args []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}

// AddRequestID stamps a request correlation id onto the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddSessionID stamps the owning chat session onto the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddRunID stamps the executing run onto the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// AddWorkerID stamps the executing pool worker onto the context.
func AddWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// GetRequestID reads the request correlation id, empty when absent.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// GetSessionID reads the owning session id, empty when absent.
func GetSessionID(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}
