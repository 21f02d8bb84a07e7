package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/clinic-flow/internal/repository"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
)

// OutboxCleanupWorker deletes outbox rows that were published longer ago
// than the retention period.
type OutboxCleanupWorker struct {
	repo            repository.OutboxRepository
	clock           clock.Clock
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *logger.Logger
}

func NewOutboxCleanupWorker(repo repository.OutboxRepository, clk clock.Clock, retention, cleanupInterval time.Duration, log *logger.Logger) *OutboxCleanupWorker {
	return &OutboxCleanupWorker{
		repo:            repo,
		clock:           clk,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		logger:          log,
	}
}

func (w *OutboxCleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				w.logger.Error(err, "Error cleaning up outbox events")
			}
		}
	}
}

func (w *OutboxCleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.clock.Now().Add(-w.retention)

	rows, err := w.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup outbox events: %w", err)
	}

	if rows > 0 {
		w.logger.Info("Cleaned up processed outbox events", "rows", rows, "cutoff", cutoff)
	}
	return rows, nil
}
