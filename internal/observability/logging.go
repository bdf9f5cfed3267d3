package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/wfsync/internal/config"
	"github.com/pitabwire/wfsync/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: resync fetch failures, subscribe/unsubscribe failures, transport loss
//   - warn:  skipped patch operations, failing handlers, discarded stale resyncs
//   - info:  subscription transitions, completed resyncs, connection lifecycle
//   - debug: dispatch of individual events, unknown event types, equal snapshot ids
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// DispatchLogger returns a logger enriched with DispatchContext fields.
// If no logger is in the context, the fallback is used.
func DispatchLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	dc := model.DispatchContextFrom(ctx)
	if dc == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("source", dc.Source),
	}
	if dc.ConnectionID != "" {
		fields = append(fields,
			zap.String("connection_id", dc.ConnectionID),
			zap.Uint64("sequence", dc.Sequence),
		)
	}
	if !dc.Key.IsZero() {
		fields = append(fields, KeyFields(dc.Key)...)
	}

	return logger.With(fields...)
}

// KeyFields returns the log fields identifying a subscription.
func KeyFields(key model.SubscriptionKey) []zap.Field {
	return []zap.Field{
		zap.String("project_id", key.ProjectID),
		zap.String("workflow_id", key.WorkflowID),
	}
}
