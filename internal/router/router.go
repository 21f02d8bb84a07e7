package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/clinic-flow/internal/handler/clinician"
	"github.com/jwalitptl/clinic-flow/internal/handler/events"
	"github.com/jwalitptl/clinic-flow/internal/handler/health"
	"github.com/jwalitptl/clinic-flow/internal/handler/queue"
	"github.com/jwalitptl/clinic-flow/internal/handler/session"
	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

type RouterConfig struct {
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	CORSConfig       middleware.CORSConfig
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
}

type Handlers struct {
	Sessions   *session.Handler
	Clinicians *clinician.Handler
	Queue      *queue.Handler
	Events     *events.Handler
	Health     *health.Handler
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	handlers Handlers
	config   RouterConfig
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	handlers Handlers,
	log *logger.Logger,
	m *metrics.Metrics,
	config RouterConfig,
) *Router {
	engine := gin.New()

	engine.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.ErrorLogger(log),
		middleware.Metrics(m),
		middleware.SecurityHeaders(),
		middleware.CORS(config.CORSConfig),
	)

	if config.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return &Router{
		engine:   engine,
		auth:     auth,
		handlers: handlers,
		config:   config,
	}
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.handlers.Health.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(r.auth.Authenticate())

	// the event stream is long lived and stays outside the request deadline
	r.handlers.Events.RegisterRoutes(protected)

	bounded := protected.Group("")
	bounded.Use(
		middleware.Timeout(r.config.RequestTimeout),
		middleware.SizeLimit(r.config.MaxBodyBytes),
	)
	r.handlers.Sessions.RegisterRoutes(bounded, r.auth.RequireRole(model.ActorRoleStaff, model.ActorRoleAdmin))
	r.handlers.Clinicians.RegisterRoutes(bounded)
	r.handlers.Queue.RegisterRoutes(bounded)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
