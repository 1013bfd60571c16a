package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthConfig configures the dashboard session gate.
type AuthConfig struct {
	// Token is the expected bearer token. Empty with Enabled set means
	// every request is rejected.
	Token   string
	Enabled bool
}

// RequireSession gates mutating endpoints behind an authenticated dashboard
// session. The check is a boolean gate: pass or 401, no identity is
// attached to the request.
func RequireSession(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		authz := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "Bearer "
		if cfg.Token == "" || !strings.HasPrefix(authz, prefix) ||
			strings.TrimSpace(strings.TrimPrefix(authz, prefix)) != cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequireJSON rejects mutating requests whose content type is not JSON
// before any side effect occurs.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}
		if c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		ct := c.ContentType()
		if ct != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error": "content type must be application/json",
			})
			return
		}
		c.Next()
	}
}
