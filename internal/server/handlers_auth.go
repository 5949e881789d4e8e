package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/observability"
)

func (s *Server) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": observability.StatusHealthy})
		return
	}
	resp := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if resp.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin validates credentials against the fleet's auth endpoint and
// checks admin group membership before minting a session.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "username and password are required"})
		return
	}
	ctx := c.Request.Context()

	fc, err := s.fleet.Open(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer func() { _ = fc.Close() }()

	if err := fc.CheckCredentials(ctx, req.Username, req.Password); err != nil {
		s.logger.Warn("login failed",
			zap.String("username", req.Username),
			zap.String("client_ip", c.ClientIP()),
		)
		s.fail(c, err)
		return
	}

	admin, err := fc.MemberOf(ctx, req.Username, s.cfg.Auth.AdminGroup)
	if err != nil {
		s.fail(c, err)
		return
	}
	serverAdmin, err := fc.MemberOf(ctx, req.Username, s.cfg.Auth.ServerAdminGroup)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !admin && !serverAdmin {
		c.JSON(http.StatusForbidden, gin.H{"status": "error", "error": "not a member of an admin group"})
		return
	}

	session, err := s.sessions.Create(ctx, req.Username, serverAdmin)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.SetCookie(auth.SessionCookie, session.Token,
		int(s.cfg.Auth.SessionTTL.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"admin":        session.Admin,
		"server_admin": session.ServerAdmin,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	session := auth.SessionFromContext(c)
	if session != nil {
		if err := s.sessions.Delete(c.Request.Context(), session.Token); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.SetCookie(auth.SessionCookie, "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
