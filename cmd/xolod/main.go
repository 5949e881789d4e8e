// Package main is the entry point for the Xolo server daemon.
//
// Startup sequence:
//  1. Load configuration from the config file and XOLO_ environment variables
//  2. Initialize structured logging with zap
//  3. Open the on-disk title store and changelog
//  4. Connect to Redis for session storage
//  5. Build the lifecycle engine over the Patch Catalog and Fleet Management
//     REST clients
//  6. Start the maintenance scheduler and the HTTP server
//
// Graceful shutdown is triggered by SIGINT (Ctrl+C) or SIGTERM: new requests
// are refused, in-flight workflows and progress streams run to completion,
// and the package deletion pool drains within its budget.
//
// Example usage:
//
//	# Start with default config locations
//	./xolod
//
//	# Start with a custom config file
//	./xolod --config=/etc/xolo/config.yaml
//
//	# Start with environment variable overrides
//	export XOLO_SERVER_PORT=9443
//	export XOLO_REDIS_ADDRESS=redis.example.com:6379
//	./xolod
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/clientdata"
	"github.com/xolo-io/xolo/internal/config"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/lifecycle"
	"github.com/xolo-io/xolo/internal/locks"
	"github.com/xolo-io/xolo/internal/observability"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/scheduler"
	"github.com/xolo-io/xolo/internal/server"
	"github.com/xolo-io/xolo/internal/store"
)

const (
	// Version is the application version (set via build flags).
	Version = "1.0.0"

	// ServiceName is the name of this service.
	ServiceName = "xolod"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", ServiceName, Version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the main application logic.
func run() error {
	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("xolo server starting",
		zap.String("version", Version),
		zap.String("service", ServiceName),
		zap.Bool("developer_mode", cfg.DeveloperMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close(logger.Logger)

	return runServerWithShutdown(cfg, logger, components)
}

// applicationComponents holds the long-lived pieces of the daemon.
type applicationComponents struct {
	sessions  *auth.SessionStore
	manager   *lifecycle.Manager
	scheduler *scheduler.Scheduler
	server    *server.Server
}

// Close releases connections after the server has drained.
func (c *applicationComponents) Close(logger *zap.Logger) {
	if c.sessions != nil {
		if err := c.sessions.Close(); err != nil {
			logger.Warn("failed to close Redis connection", zap.Error(err))
		}
	}
}

// loadConfiguration loads and validates the application configuration.
func loadConfiguration(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initializeComponents builds every collaborator of the HTTP server.
func initializeComponents(cfg *config.Config, logger *observability.Logger) (*applicationComponents, error) {
	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(cfg.Observability.Metrics.Namespace, prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
		logger.Info("metrics enabled", zap.String("path", cfg.Observability.Metrics.Path))
	}

	fs, err := store.NewFileStore(cfg.Store.Root, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open title store: %w", err)
	}
	changelog, err := store.NewChangelog(fs, changelogBackupDir(cfg), logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog: %w", err)
	}
	logger.Info("title store opened", zap.String("root", cfg.Store.Root))

	catalogFactory, err := catalog.NewRESTFactory(catalog.RESTConfig{
		BaseURL: cfg.Catalog.BaseURL,
		Token:   cfg.Catalog.Token,
		Timeout: cfg.Catalog.Timeout,
	}, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog client: %w", err)
	}

	fleetFactory, err := fleet.NewRESTFactory(fleet.RESTConfig{
		BaseURL:  cfg.Fleet.BaseURL,
		Username: cfg.Fleet.Username,
		Password: cfg.Fleet.Password,
		Timeout:  cfg.Fleet.Timeout,
	}, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build fleet client: %w", err)
	}

	registry := progress.NewRegistry(logger.Logger)
	pool := lifecycle.NewDeletePool(cfg.Workers.DeletePoolSize, fleetFactory, metrics, logger.Logger)

	rebuilder, err := buildClientData(cfg, fs, fleetFactory, logger.Logger)
	if err != nil {
		return nil, err
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Store:     fs,
		Changelog: changelog,
		Locks:     locks.NewManager(cfg.Locks.TTL, logger.Logger),
		Catalog:   catalogFactory,
		Fleet:     fleetFactory,
		Registry:  registry,
		Pool:      pool,
		Rebuilder: rebuilder,
		Metrics:   metrics,
		Logger:    logger.Logger,
		Config: lifecycle.Config{
			PatchPollInterval:      cfg.Workers.PatchPollInterval,
			PatchPollTimeout:       cfg.Workers.PatchPollTimeout,
			EAPollInterval:         cfg.Workers.EAPollInterval,
			EAPollTimeout:          cfg.Workers.EAPollTimeout,
			DeprecatedLifetimeDays: cfg.Maintenance.DeprecatedLifetimeDays,
			KeepSkippedVersions:    cfg.Maintenance.KeepSkippedVersions,
			StalePilotDays:         cfg.Maintenance.StalePilotDays,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle manager: %w", err)
	}

	sessions, err := auth.NewSessionStore(cfg.Redis, cfg.Auth.SessionTTL, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("session store connected", zap.String("address", cfg.Redis.Address))

	token, err := auth.NewInternalToken()
	if err != nil {
		return nil, fmt.Errorf("failed to mint internal token: %w", err)
	}

	sched := scheduler.New(scheduler.Options{
		BaseURL:     loopbackBaseURL(cfg),
		Token:       token,
		CleanupHour: cfg.Maintenance.CleanupHour,
		Logger:      logger.Logger,
	})

	health := observability.NewHealthChecker(Version)
	health.Register("redis", sessions.Ping)
	health.Register("store", func(ctx context.Context) error {
		_, err := fs.ListTitles(ctx)
		return err
	})

	srv, err := server.New(server.Options{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Manager:        manager,
		Store:          fs,
		Changelog:      changelog,
		Fleet:          fleetFactory,
		Sessions:       sessions,
		Rebuilder:      rebuilder,
		Scheduler:      sched,
		Pool:           pool,
		Token:          token,
		Health:         health,
		ProgressDir:    progressDir(cfg),
		MetricsHandler: metricsHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build server: %w", err)
	}

	return &applicationComponents{
		sessions:  sessions,
		manager:   manager,
		scheduler: sched,
		server:    srv,
	}, nil
}

// buildClientData wires the client-data builder if an artifact directory is
// configured. Developer mode keeps the builder but skips its work, so the
// update-client-data route still answers.
func buildClientData(cfg *config.Config, fs store.Store, fleetFactory fleet.Factory, logger *zap.Logger) (lifecycle.Rebuilder, error) {
	if cfg.ClientData.Dir == "" {
		return nil, nil
	}
	var uploader clientdata.Uploader
	if cfg.ClientData.UploadTool != "" {
		uploader = clientdata.ExecUploader{Tool: cfg.ClientData.UploadTool, Logger: logger}
	}
	builder, err := clientdata.NewBuilder(clientdata.Options{
		Store:         fs,
		Fleet:         fleetFactory,
		Uploader:      uploader,
		Logger:        logger,
		Dir:           cfg.ClientData.Dir,
		PolicyID:      cfg.ClientData.PolicyID,
		DeveloperMode: cfg.DeveloperMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build client-data builder: %w", err)
	}
	return builder, nil
}

// loopbackBaseURL is the address the scheduler posts to: this server's own
// listener, always via loopback.
func loopbackBaseURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, cfg.Server.Port)
}

func progressDir(cfg *config.Config) string {
	if cfg.Store.ProgressDir != "" {
		return cfg.Store.ProgressDir
	}
	return filepath.Join(cfg.Store.Root, "progress")
}

func changelogBackupDir(cfg *config.Config) string {
	if cfg.Store.ChangelogBackupDir != "" {
		return cfg.Store.ChangelogBackupDir
	}
	return filepath.Join(cfg.Store.Root, "changelog-backups")
}

// runServerWithShutdown runs the listener and the signal watcher, then
// drains everything on the first signal or listener failure.
func runServerWithShutdown(cfg *config.Config, logger *observability.Logger, c *applicationComponents) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.scheduler.Start(c.manager.Registry())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Start(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// The shutdown budget must cover lock drain and the deletion pool.
		budget := cfg.Server.ShutdownTimeout + cfg.Workers.DeleteDrainBudget + 5*time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
