package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/jwalitptl/clinic-flow/internal/model"
)

// ZapRecorder writes each event as one structured JSON line.
type ZapRecorder struct {
	logger *zap.Logger
}

func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	return &ZapRecorder{logger: logger.Named("audit")}
}

// NewProductionZapRecorder builds a JSON zap logger writing to stdout.
func NewProductionZapRecorder() (*ZapRecorder, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapRecorder(l), nil
}

func (r *ZapRecorder) Record(_ context.Context, event model.AuditEvent) {
	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("target_type", event.TargetType),
		zap.String("target_id", event.TargetID),
		zap.Time("timestamp", event.Timestamp),
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	r.logger.Info("audit", fields...)
}

func (r *ZapRecorder) Sync() error {
	return r.logger.Sync()
}
