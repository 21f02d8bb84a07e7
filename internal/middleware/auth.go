package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/pkg/httputil"
)

const ContextActor = "actor"

// TokenParser resolves a bearer token to the actor it was issued for.
type TokenParser interface {
	Parse(token string) (model.Actor, error)
}

type AuthMiddleware struct {
	tokens TokenParser
}

func NewAuthMiddleware(tokens TokenParser) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the bearer token and sets the actor in context.
// GET requests may pass the token as access_token, since EventSource
// clients cannot set headers.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			scheme, value, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
				httputil.RespondWithMessage(c, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			token = value
		} else if c.Request.Method == http.MethodGet {
			token = c.Query("access_token")
		}
		if token == "" {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "missing authorization header")
			return
		}

		actor, err := m.tokens.Parse(token)
		if err != nil {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ContextActor, actor)
		c.Next()
	}
}

// RequireRole lets the request through only for the listed roles.
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			httputil.RespondWithMessage(c, http.StatusUnauthorized, "unauthenticated")
			return
		}
		for _, role := range roles {
			if actor.Role == role {
				c.Next()
				return
			}
		}
		httputil.RespondWithMessage(c, http.StatusForbidden, "permission denied")
	}
}

func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
