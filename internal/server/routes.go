package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/lifecycle"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/scheduler"
)

// registerRoutes wires the route tiers:
//
//   - open: /ping, /auth/login, /metrics, /healthz
//   - internal: /maint/cleanup-internal (loopback + bearer token)
//   - session: everything under /titles, uploads, progress streaming
//   - server admin: /state, /cleanup, /update-client-data, /rotate-logs,
//     /set-log-level
func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/ping", s.handlePing)
	r.GET("/healthz", s.handleHealthz)
	r.POST("/auth/login", s.handleLogin)

	if s.metricsHandler != nil {
		r.GET(s.cfg.Observability.Metrics.Path, gin.WrapH(s.metricsHandler))
	}

	internal := r.Group("/", auth.InternalOnly(s.token, s.logger.Logger))
	internal.POST(scheduler.CleanupRoute, s.handleCleanupInternal)

	authed := r.Group("/", auth.SessionRequired(s.sessions, s.logger.Logger))
	authed.POST("/auth/logout", s.handleLogout)
	authed.GET(progress.StreamRoute, s.handleProgressStream)

	authed.GET("/titles", s.handleListTitles)
	authed.POST("/titles", s.handleCreateTitle)
	authed.GET("/titles/:slug", s.handleGetTitle)
	authed.PUT("/titles/:slug", s.handleUpdateTitle)
	authed.DELETE("/titles/:slug", s.handleDeleteTitle)
	authed.GET("/titles/:slug/changelog", s.handleChangelog)
	authed.POST("/titles/:slug/release", s.handleRelease)
	authed.POST("/titles/:slug/freeze", s.handleFreeze)
	authed.POST("/titles/:slug/thaw", s.handleThaw)
	authed.POST("/titles/:slug/repair", s.handleRepair)

	authed.GET("/titles/:slug/versions", s.handleListVersions)
	authed.POST("/titles/:slug/versions", s.handleCreateVersion)
	authed.GET("/titles/:slug/versions/:version", s.handleGetVersion)
	authed.PUT("/titles/:slug/versions/:version", s.handleUpdateVersion)
	authed.DELETE("/titles/:slug/versions/:version", s.handleDeleteVersion)
	authed.POST("/titles/:slug/versions/:version/deploy", s.handleDeployVersion)

	authed.POST("/uploads/icon", s.handleUploadIcon)
	authed.POST("/uploads/pkg", s.handleUploadPackage)

	admin := authed.Group("/", auth.ServerAdminRequired())
	admin.GET("/state", s.handleState)
	admin.POST("/cleanup", s.handleCleanup)
	admin.POST("/update-client-data", s.handleUpdateClientData)
	admin.POST("/rotate-logs", s.handleRotateLogs)
	admin.POST("/set-log-level", s.handleSetLogLevel)
}

// actor builds the changelog attribution for the current request.
func (s *Server) actor(c *gin.Context) lifecycle.Actor {
	admin := "internal"
	if session := auth.SessionFromContext(c); session != nil {
		admin = session.Admin
	}
	return lifecycle.Actor{Admin: admin, Host: c.ClientIP()}
}

// runAsync starts a long-running workflow on a supervised worker and answers
// immediately with the progress stream location. The worker detaches from the
// request context; its budget is the lock TTL, after which the workflow's
// locks would expire anyway.
func (s *Server) runAsync(c *gin.Context, name string, fn func(ctx context.Context, tracker *progress.Tracker) error) {
	tracker, err := progress.NewTracker(s.progressDir, s.logger.Logger)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.manager.Registry().Go(name, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Locks.TTL)
		defer cancel()
		if err := fn(ctx, tracker); err != nil {
			tracker.Fail(err)
			return
		}
		tracker.Complete()
	})

	c.JSON(http.StatusOK, gin.H{
		"status":                   "running",
		"progress_stream_url_path": tracker.URLPath(),
	})
}
