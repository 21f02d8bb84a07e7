// Package bootstrap builds the pieces every binary shares from a loaded
// config: the logger, the store, the broker and the visit flow service.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/clinic-flow/internal/config"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	"github.com/jwalitptl/clinic-flow/internal/repository/memory"
	"github.com/jwalitptl/clinic-flow/internal/repository/postgres"
	"github.com/jwalitptl/clinic-flow/internal/service/audit"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	"github.com/jwalitptl/clinic-flow/internal/service/patient"
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/messaging"
	"github.com/jwalitptl/clinic-flow/pkg/messaging/redis"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    cfg.Console,
	})
}

// Storage is the opened store. DB, Outbox and Patients are nil for the
// memory driver.
type Storage struct {
	Store    repository.Store
	DB       *sqlx.DB
	Outbox   repository.OutboxRepository
	Patients repository.PatientRepository
}

func (s *Storage) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// Ping reports whether the backing database answers.
func (s *Storage) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

func OpenStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		base := postgres.NewBaseRepository(db)
		return &Storage{
			Store:    postgres.NewStore(db),
			DB:       db,
			Outbox:   postgres.NewOutboxRepository(base),
			Patients: postgres.NewPatientRepository(base),
		}, nil
	case config.StoreMemory:
		return &Storage{Store: memory.NewStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewBroker connects to Redis, or returns nil when no URL is configured.
func NewBroker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (messaging.Broker, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	return redis.NewRedisBroker(ctx, redis.Config{
		URL:          cfg.URL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}, log.ZL)
}

// NewAuditRecorder logs every audit event through zap and, with an outbox,
// also stores it for the worker to publish. The result is asynchronous; call
// Close on shutdown to drain it.
func NewAuditRecorder(outbox repository.OutboxRepository, buffer int, log *logger.Logger, m *metrics.Metrics) (*audit.AsyncRecorder, func(), error) {
	zr, err := audit.NewProductionZapRecorder()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build audit logger: %w", err)
	}
	recorders := audit.MultiRecorder{zr}
	if outbox != nil {
		recorders = append(recorders, audit.NewOutboxRecorder(outbox, clock.UUIDs(), clock.System(), log, m))
	}
	async := audit.NewAsyncRecorder(recorders, buffer, log, m)
	return async, func() {
		async.Close()
		_ = zr.Sync()
	}, nil
}

type ServiceOptions struct {
	Storage  *Storage
	Audit    audit.Recorder
	Notifier notify.Publisher
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

func NewVisitFlow(cfg *config.Config, opts ServiceOptions) *visitflow.Service {
	var patients patient.Directory
	if opts.Storage.Patients != nil {
		patients = patient.NewCachedDirectory(opts.Storage.Patients, cfg.PatientCache.TTL, cfg.PatientCache.CleanupInterval)
	}
	return visitflow.NewService(visitflow.Dependencies{
		Store:    opts.Storage.Store,
		Clock:    clock.System(),
		IDs:      clock.UUIDs(),
		Audit:    opts.Audit,
		Notifier: opts.Notifier,
		Patients: patients,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
		Location: cfg.Clinic.Location(),
	})
}
