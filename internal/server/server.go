// Package server is the HTTP surface of Xolo: the gin router, the route
// tiers (open, session, server-admin, internal), the mapping from workflow
// errors to HTTP statuses, the progress-streaming endpoint, and the graceful
// shutdown coordinator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/config"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/lifecycle"
	"github.com/xolo-io/xolo/internal/observability"
	"github.com/xolo-io/xolo/internal/scheduler"
	"github.com/xolo-io/xolo/internal/store"
)

// Options bundles the collaborators of a Server.
type Options struct {
	Config    *config.Config
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Manager   *lifecycle.Manager
	Store     store.Store
	Changelog *store.Changelog
	Fleet     fleet.Factory
	Sessions  *auth.SessionStore
	Rebuilder lifecycle.Rebuilder
	Scheduler *scheduler.Scheduler
	Pool      *lifecycle.DeletePool
	Token     auth.InternalToken
	Health    *observability.HealthChecker

	// ProgressDir is where progress files live.
	ProgressDir string

	// MetricsHandler serves the Prometheus endpoint when metrics are enabled.
	MetricsHandler http.Handler
}

// Server owns the HTTP listener and the shutdown sequence.
type Server struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	manager   *lifecycle.Manager
	store     store.Store
	changelog *store.Changelog
	fleet     fleet.Factory
	sessions  *auth.SessionStore
	rebuilder lifecycle.Rebuilder
	scheduler *scheduler.Scheduler
	pool      *lifecycle.DeletePool
	token     auth.InternalToken
	health    *observability.HealthChecker

	progressDir    string
	metricsHandler http.Handler

	engine *gin.Engine
	http   *http.Server

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	startedAt    time.Time
}

// New builds the server and registers all routes.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Fleet == nil {
		return nil, fmt.Errorf("fleet factory is required")
	}

	gin.SetMode(opts.Config.Server.GinMode)

	s := &Server{
		cfg:            opts.Config,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		manager:        opts.Manager,
		store:          opts.Store,
		changelog:      opts.Changelog,
		fleet:          opts.Fleet,
		sessions:       opts.Sessions,
		rebuilder:      opts.Rebuilder,
		scheduler:      opts.Scheduler,
		pool:           opts.Pool,
		token:          opts.Token,
		health:         opts.Health,
		progressDir:    opts.ProgressDir,
		metricsHandler: opts.MetricsHandler,
		startedAt:      time.Now(),
	}

	engine := gin.New()
	engine.Use(
		s.recoveryMiddleware(),
		s.requestIDMiddleware(),
		s.loggingMiddleware(),
		s.metricsMiddleware(),
		s.shutdownGate(),
	)
	s.engine = engine
	s.registerRoutes(engine)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
		Handler:      engine,
		ReadTimeout:  opts.Config.Server.ReadTimeout,
		WriteTimeout: opts.Config.Server.WriteTimeout,
		IdleTimeout:  opts.Config.Server.IdleTimeout,
	}
	return s, nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP listener until Shutdown or a listener error. TLS is
// used when a certificate is configured; internal loopback calls accept the
// self-signed certificate.
func (s *Server) Start(certFile, keyFile string) error {
	s.logger.Info("server listening",
		zap.String("addr", s.http.Addr),
		zap.Bool("tls", certFile != ""),
	)
	var err error
	if certFile != "" {
		err = s.http.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server failed: %w", err)
}

// Shutdown drains the server: new requests get 503 (except the progress
// stream), the lock manager refuses new workflows, in-flight requests and
// background workers run to completion, and the deletion pool is drained
// within its budget.
func (s *Server) Shutdown(ctx context.Context) error {
	var result error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutdown starting")
		s.shuttingDown.Store(true)
		s.manager.Locks().BeginShutdown()

		if s.scheduler != nil {
			if err := s.scheduler.Stop(ctx); err != nil {
				s.logger.Warn("scheduler stop incomplete", zap.Error(err))
			}
		}

		if err := s.http.Shutdown(ctx); err != nil {
			result = fmt.Errorf("http shutdown incomplete: %w", err)
		}

		if err := s.manager.Locks().WaitIdle(ctx); err != nil {
			s.logger.Warn("entity locks still held at shutdown", zap.Error(err))
		}
		if err := s.manager.Registry().Wait(ctx); err != nil {
			s.logger.Warn("workers still running at shutdown", zap.Error(err))
		}

		if s.pool != nil {
			if left := s.pool.Drain(s.cfg.Workers.DeleteDrainBudget); left > 0 {
				s.logger.Warn("package deletions abandoned at shutdown", zap.Int("remaining", left))
			}
		}
		s.logger.Info("shutdown complete")
	})
	return result
}

// ShuttingDown reports whether shutdown has begun.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}
