package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xolo-io/xolo/internal/progress"
)

func (s *Server) handleState(c *gin.Context) {
	state := gin.H{
		"status":          "ok",
		"shutting_down":   s.shuttingDown.Load(),
		"uptime":          time.Since(s.startedAt).String(),
		"log_level":       s.logger.Level(),
		"locks_held":      s.manager.Locks().Held(),
		"active_workers":  s.manager.Registry().Active(),
		"pending_deletes": 0,
	}
	if s.pool != nil {
		state["pending_deletes"] = s.pool.Pending()
	}
	if s.health != nil {
		state["health"] = s.health.Check(c.Request.Context())
	}
	c.JSON(http.StatusOK, state)
}

// handleCleanup is the admin-facing cleanup trigger; it runs as a streamed
// long-running operation.
func (s *Server) handleCleanup(c *gin.Context) {
	s.runAsync(c, "cleanup", func(ctx context.Context, tracker *progress.Tracker) error {
		return s.manager.Cleanup(ctx, tracker)
	})
}

// handleCleanupInternal is the scheduler's loopback entry point. It runs
// synchronously so the scheduler observes success or failure in the response.
func (s *Server) handleCleanupInternal(c *gin.Context) {
	if err := s.manager.Cleanup(c.Request.Context(), nil); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpdateClientData(c *gin.Context) {
	if s.rebuilder == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "note": "client data builder not configured"})
		return
	}
	if err := s.rebuilder.Rebuild(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRotateLogs flushes buffered log output. Rotation itself is owned by
// the platform's log management; this hook exists so admins can force a
// flush boundary before collecting files.
func (s *Server) handleRotateLogs(c *gin.Context) {
	if err := s.logger.Sync(); err != nil {
		// Syncing stdout commonly fails on some platforms; report, don't fail.
		c.JSON(http.StatusOK, gin.H{"status": "ok", "note": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type logLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

func (s *Server) handleSetLogLevel(c *gin.Context) {
	var req logLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "level is required"})
		return
	}
	if err := s.logger.SetLevel(req.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "level": s.logger.Level()})
}
