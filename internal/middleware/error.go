package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/pkg/logger"
)

// ErrorLogger logs the causes handlers attached with c.Error. The response
// has already been written by then.
func ErrorLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, e := range c.Errors {
			log.ZL.Error().
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Msg("Request error")
		}
	}
}
