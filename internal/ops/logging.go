package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/nopub/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogConnection logs a client connection lifecycle event
func (l *Logger) LogConnection(remote string, connected bool) {
	if connected {
		l.Info("client connected", "remote", remote)
	} else {
		l.Info("client disconnected", "remote", remote)
	}
}

// LogEventAccepted logs an accepted publish
func (l *Logger) LogEventAccepted(eventID string, kind int, pubkey string) {
	l.Debug("event accepted",
		"event_id", eventID,
		"kind", kind,
		"pubkey", pubkey)
}

// LogEventRejected logs a rejected publish
func (l *Logger) LogEventRejected(eventID string, reason string) {
	l.Debug("event rejected",
		"event_id", eventID,
		"reason", reason)
}

// LogBroadcast logs delivery of a broadcast event to a subscription
func (l *Logger) LogBroadcast(eventID string, subscriptionID string, err error) {
	if err != nil {
		l.Warn("broadcast delivery failed",
			"event_id", eventID,
			"subscription_id", subscriptionID,
			"error", err)
	} else {
		l.Debug("broadcast delivered",
			"event_id", eventID,
			"subscription_id", subscriptionID)
	}
}

// LogCacheOperation logs a cache operation
func (l *Logger) LogCacheOperation(op string, key string, hit bool) {
	l.Debug("cache operation",
		"operation", op,
		"key", key,
		"hit", hit)
}

// LogRateLimited logs a dropped message
func (l *Logger) LogRateLimited(clientID string) {
	l.Debug("message rate limited", "client_id", clientID)
}

// LogRetentionPrune logs a retention pruning operation
func (l *Logger) LogRetentionPrune(deletedCount int64, duration time.Duration, err error) {
	if err != nil {
		l.Error("retention pruning failed",
			"deleted", deletedCount,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("retention pruning completed",
			"deleted", deletedCount,
			"duration_ms", duration.Milliseconds())
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string) {
	l.Info("nopub starting",
		"version", version,
		"commit", commit)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("nopub shutting down", "reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
