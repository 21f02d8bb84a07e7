package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/clinic-flow/internal/bootstrap"
	"github.com/jwalitptl/clinic-flow/internal/config"
	"github.com/jwalitptl/clinic-flow/internal/handler/health"
	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	"github.com/jwalitptl/clinic-flow/internal/worker"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/messaging"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
	outbox "github.com/jwalitptl/clinic-flow/pkg/worker"
)

func setupHealthCheck(port int, checks map[string]health.Check, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(log))
	health.NewHandler(prometheus.DefaultGatherer, checks).RegisterRoutes(engine)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Store.Driver != config.StorePostgres {
		log.Fatal().Str("driver", cfg.Store.Driver).Msg("The worker needs the postgres store; run the memory store with reaper.embedded")
	}

	logger := bootstrap.NewLogger(cfg.Log)
	m := metrics.NewMetrics("clinic", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		logger.Fatal(err, "Failed to connect to database")
	}
	defer storage.Close()

	checks := map[string]health.Check{"store": storage.Ping}

	broker, err := bootstrap.NewBroker(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal(err, "Failed to create Redis broker")
	}

	var publisher notify.Publisher = notify.Nop()
	if broker != nil {
		defer broker.Close()
		publisher = notify.NewBrokerPublisher(broker, logger)
		if pinger, ok := broker.(interface{ Ping(context.Context) error }); ok {
			checks["redis"] = pinger.Ping
		}
	}

	auditRecorder, closeAudit, err := bootstrap.NewAuditRecorder(storage.Outbox, cfg.Outbox.AuditBuffer, logger, m)
	if err != nil {
		logger.Fatal(err, "Failed to initialize audit")
	}
	defer closeAudit()

	svc := bootstrap.NewVisitFlow(cfg, bootstrap.ServiceOptions{
		Storage:  storage,
		Audit:    auditRecorder,
		Notifier: publisher,
		Metrics:  m,
		Logger:   logger,
	})

	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	reaper := worker.NewReaper(svc, clock.System(), worker.ReaperConfig{
		Interval:       cfg.Reaper.Interval,
		StaleThreshold: cfg.Reaper.StaleThreshold,
	}, logger, m)
	run(reaper.Start)

	cleanup := worker.NewOutboxCleanupWorker(storage.Outbox, clock.System(), cfg.Outbox.Retention, cfg.Outbox.CleanupInterval, logger)
	run(cleanup.Start)

	if broker != nil {
		processor, err := outbox.NewOutboxProcessor(
			storage.Outbox,
			messaging.NewBrokerAdapter(broker, logger.ZL),
			outbox.OutboxProcessorConfig{
				BatchSize:     cfg.Outbox.BatchSize,
				PollInterval:  cfg.Outbox.PollInterval,
				RetryAttempts: cfg.Outbox.RetryAttempts,
				RetryDelay:    cfg.Outbox.RetryDelay,
			},
			clock.System(),
			logger,
			m,
		)
		if err != nil {
			logger.Fatal(err, "Failed to create outbox processor")
		}
		run(processor.Start)
	} else {
		logger.Warn("No Redis URL configured, outbox events stay pending")
	}

	healthSrv := setupHealthCheck(cfg.Server.HealthPort, checks, logger)

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Health check server forced to shutdown")
	}
	wg.Wait()
}
