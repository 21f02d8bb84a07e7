// Package audit hands change records to the external audit trail. Recording
// is best effort: failures are logged and counted, never returned.
package audit

import (
	"context"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

type Recorder interface {
	Record(ctx context.Context, event model.AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, model.AuditEvent) {}

// Nop discards every event.
func Nop() Recorder {
	return nopRecorder{}
}

// OutboxRecorder stores events in outbox_events; the outbox processor
// publishes them to the broker.
type OutboxRecorder struct {
	repo    repository.OutboxRepository
	ids     clock.IDSource
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewOutboxRecorder(repo repository.OutboxRepository, ids clock.IDSource, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *OutboxRecorder {
	return &OutboxRecorder{repo: repo, ids: ids, clock: clk, logger: log, metrics: m}
}

func (r *OutboxRecorder) Record(ctx context.Context, event model.AuditEvent) {
	outboxEvent, err := model.NewOutboxEvent(r.ids.NewID(), model.AuditEventTypeOutboxRecord, event, r.clock.Now())
	if err == nil {
		err = r.repo.Create(ctx, outboxEvent)
	}
	if err != nil {
		r.metrics.AuditDropped.Inc()
		r.logger.WithContext(ctx).Error(err, "failed to record audit event",
			"action", event.Action,
			"target_id", event.TargetID)
	}
}

// MultiRecorder fans an event out to several recorders in order.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event model.AuditEvent) {
	for _, r := range m {
		r.Record(ctx, event)
	}
}
