package auth

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sessionContextKey is the gin context key holding the authenticated session.
const sessionContextKey = "xolo-session"

// SessionFromContext returns the session placed by SessionRequired, or nil
// on unauthenticated routes.
func SessionFromContext(c *gin.Context) *Session {
	if v, ok := c.Get(sessionContextKey); ok {
		if s, ok := v.(*Session); ok {
			return s
		}
	}
	return nil
}

// SessionRequired rejects requests that do not carry a valid session cookie.
func SessionRequired(store *SessionStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}

		session, err := store.Get(c.Request.Context(), token)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			abort(c, http.StatusUnauthorized, "session expired or unknown")
			return
		case errors.Is(err, ErrStorageUnavailable):
			logger.Error("session lookup failed", zap.Error(err))
			abort(c, http.StatusServiceUnavailable, "session storage unavailable")
			return
		case err != nil:
			logger.Error("session lookup failed", zap.Error(err))
			abort(c, http.StatusInternalServerError, "session lookup failed")
			return
		}

		c.Set(sessionContextKey, session)
		c.Next()
	}
}

// ServerAdminRequired rejects sessions whose admin is not a member of the
// server-admin group. Must run after SessionRequired.
func ServerAdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := SessionFromContext(c)
		if session == nil {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		if !session.ServerAdmin {
			abort(c, http.StatusForbidden, "server administrator access required")
			return
		}
		c.Next()
	}
}

// InternalOnly admits only loopback requests carrying the per-process bearer
// token. Used for the maintenance routes the scheduler posts to itself.
func InternalOnly(token InternalToken, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			logger.Warn("internal route called from non-loopback address",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
			)
			abort(c, http.StatusForbidden, "internal route")
			return
		}
		if !token.Matches(c.GetHeader("Authorization")) {
			abort(c, http.StatusForbidden, "internal route")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "error": msg})
}
