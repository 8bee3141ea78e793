// Package logging provides structured logging for the transaction gateway.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey carries the per-request trace id.
	TraceIDKey contextKey = "trace_id"
	// GlobalIDKey carries the envelope correlation id (SH.GLBL_ID).
	GlobalIDKey contextKey = "global_id"
	// UserIDKey carries the operator id of the caller.
	UserIDKey contextKey = "user_id"
)

// Logger wraps logrus with gateway specific helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the given service with level and format ("json" or "text").
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	return &Logger{Logger: l, service: service}
}

// Default returns an info level JSON logger named "gateway".
func Default() *Logger {
	return New("gateway", "info", "json")
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	l := New("test", "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name and any ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if globalID := GetGlobalID(ctx); globalID != "" {
		entry = entry.WithField("global_id", globalID)
	}
	if userID := GetUserID(ctx); userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	return entry
}

// LogRequest logs an HTTP request summary.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	switch {
	case status >= 500:
		entry.Error("HTTP request")
	case status >= 400:
		entry.Warn("HTTP request")
	default:
		entry.Info("HTTP request")
	}
}

// LogSecurityEvent logs an access related event at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithField("security_event", event).WithFields(fields).Warn("Security event")
}

// NewTraceID generates a new trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx.
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// WithGlobalID stores the envelope correlation id in ctx.
func WithGlobalID(ctx context.Context, globalID string) context.Context {
	return context.WithValue(ctx, GlobalIDKey, globalID)
}

// GetGlobalID returns the envelope correlation id stored in ctx.
func GetGlobalID(ctx context.Context) string {
	return stringValue(ctx, GlobalIDKey)
}

// WithUserID stores the operator id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the operator id stored in ctx.
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
