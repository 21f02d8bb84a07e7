package middleware

import (
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/pkg/logger"
)

// Logger logs one line per request. Bodies are never logged; they carry
// patient references. The access_token query parameter is redacted.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := loggableQuery(c.Request.URL)

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		zl := log.ZL.With().
			Str("request_id", c.GetString(ContextRequestID)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("user_agent", c.Request.UserAgent()).
			Logger()
		if actor, ok := ActorFrom(c); ok {
			zl = zl.With().Str("actor", actor.ID).Logger()
		}

		switch {
		case statusCode >= 500:
			zl.Error().Msg("Server error")
		case statusCode >= 400:
			zl.Warn().Msg("Client error")
		default:
			zl.Info().Msg("Request processed")
		}
	}
}

func loggableQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	if _, ok := q["access_token"]; !ok {
		return u.RawQuery
	}
	q.Set("access_token", "REDACTED")
	return q.Encode()
}
