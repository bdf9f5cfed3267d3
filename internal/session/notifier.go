package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// LogNotifier surfaces toasts as log entries. It is the notifier used when
// no presentation layer is attached.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("toast")}
}

// Notify implements model.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, toast model.ShowToastEvent) {
	logger := observability.DispatchLogger(ctx, n.logger)
	fields := []zap.Field{
		zap.String("headline", toast.Headline),
		zap.String("message", toast.Message),
	}
	switch toast.Type {
	case model.ToastError:
		logger.Error("toast", fields...)
	case model.ToastWarning:
		logger.Warn("toast", fields...)
	default:
		logger.Info("toast", fields...)
	}
}
