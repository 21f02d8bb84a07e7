package audit

import (
	"context"
	"sync"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

// AsyncRecorder moves recording off the request path. When the buffer is
// full the event is dropped and counted.
type AsyncRecorder struct {
	next    Recorder
	queue   chan queued
	logger  *logger.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

type queued struct {
	ctx   context.Context
	event model.AuditEvent
}

func NewAsyncRecorder(next Recorder, buffer int, log *logger.Logger, m *metrics.Metrics) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncRecorder{
		next:    next,
		queue:   make(chan queued, buffer),
		logger:  log,
		metrics: m,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(ctx context.Context, event model.AuditEvent) {
	select {
	case r.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		r.metrics.AuditDropped.Inc()
		r.logger.Warn("audit buffer full, dropping event",
			"action", event.Action,
			"target_id", event.TargetID)
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for q := range r.queue {
		r.next.Record(q.ctx, q.event)
	}
}

// Close stops accepting events and waits for the buffer to drain. Record
// must not be called after Close.
func (r *AsyncRecorder) Close() {
	r.closeOnce.Do(func() { close(r.queue) })
	<-r.done
}
