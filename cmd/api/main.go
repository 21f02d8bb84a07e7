package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/clinic-flow/internal/bootstrap"
	"github.com/jwalitptl/clinic-flow/internal/config"
	"github.com/jwalitptl/clinic-flow/internal/handler/clinician"
	"github.com/jwalitptl/clinic-flow/internal/handler/events"
	"github.com/jwalitptl/clinic-flow/internal/handler/health"
	"github.com/jwalitptl/clinic-flow/internal/handler/queue"
	"github.com/jwalitptl/clinic-flow/internal/handler/session"
	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/router"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	"github.com/jwalitptl/clinic-flow/internal/worker"
	"github.com/jwalitptl/clinic-flow/pkg/auth"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/messaging"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
	"github.com/jwalitptl/clinic-flow/pkg/validator"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := bootstrap.NewLogger(cfg.Log)
	m := metrics.NewMetrics("clinic", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	storage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		logger.Fatal(err, "failed to open store", "driver", cfg.Store.Driver)
	}
	defer storage.Close()

	if cfg.Store.Driver == config.StoreMemory && !cfg.Reaper.Embedded {
		logger.Warn("memory store without embedded reaper: silent clinicians will never go offline")
	}

	// Audit trail
	auditRecorder, closeAudit, err := bootstrap.NewAuditRecorder(storage.Outbox, cfg.Outbox.AuditBuffer, logger, m)
	if err != nil {
		logger.Fatal(err, "failed to initialize audit")
	}
	defer closeAudit()

	// Change notifications
	hub := notify.NewHub(0)
	var publisher notify.Publisher = hub
	checks := map[string]health.Check{"store": storage.Ping}

	broker, err := bootstrap.NewBroker(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal(err, "failed to connect to Redis")
	}
	if broker != nil {
		defer broker.Close()
		// every instance receives its own notifications back through the relay
		publisher = notify.NewBrokerPublisher(broker, logger)
		relay := notify.NewRelay(messaging.NewBrokerAdapter(broker, logger.ZL), hub, logger)
		if err := relay.Start(ctx, notify.TopicSessions, notify.TopicClinicians); err != nil {
			logger.Fatal(err, "failed to start change relay")
		}
		if pinger, ok := broker.(interface{ Ping(context.Context) error }); ok {
			checks["redis"] = pinger.Ping
		}
	}

	svc := bootstrap.NewVisitFlow(cfg, bootstrap.ServiceOptions{
		Storage:  storage,
		Audit:    auditRecorder,
		Notifier: publisher,
		Metrics:  m,
		Logger:   logger,
	})

	if cfg.Reaper.Embedded {
		reaper := worker.NewReaper(svc, clock.System(), worker.ReaperConfig{
			Interval:       cfg.Reaper.Interval,
			StaleThreshold: cfg.Reaper.StaleThreshold,
		}, logger, m)
		go reaper.Start(ctx)
	}

	// Initialize middleware
	tokens, err := auth.NewTokenService(auth.Config{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		Expiry: cfg.JWT.Expiry,
	}, clock.System())
	if err != nil {
		logger.Fatal(err, "failed to initialize token service")
	}
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	if err := validator.Register(); err != nil {
		logger.Fatal(err, "failed to register validators")
	}

	gin.SetMode(gin.ReleaseMode)
	r := router.NewRouter(authMiddleware, router.Handlers{
		Sessions:   session.NewHandler(svc),
		Clinicians: clinician.NewHandler(svc),
		Queue:      queue.NewHandler(svc),
		Events:     events.NewHandler(hub, 0),
		Health:     health.NewHandler(prometheus.DefaultGatherer, checks),
	}, logger, m, router.RouterConfig{
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
		CORSConfig:       middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
		RequestTimeout:   cfg.Server.RequestTimeout,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
	})
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "failed to start server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "server forced to shutdown")
	}

	logger.Info("server exited properly")
}
