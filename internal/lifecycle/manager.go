// Package lifecycle implements the orchestration engine at the heart of
// Xolo: the compound workflows that create, update, release, and delete
// titles and versions while keeping the Patch Catalog, Fleet Management, and
// the on-disk store in a consistent compound state. Every workflow runs
// under the entity locks, appends to the title's changelog before touching
// external systems, and reports progress through a tracker when invoked as
// a long-running operation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/locks"
	"github.com/xolo-io/xolo/internal/observability"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/store"
)

// Workflow-level sentinel errors.
var (
	// ErrAlreadyReleased is returned when releasing a version that is
	// already in the released state.
	ErrAlreadyReleased = errors.New("version is already released")

	// ErrWatcherTimeout is returned when a bounded watcher exhausts its
	// budget without observing the awaited condition.
	ErrWatcherTimeout = errors.New("watcher timed out")
)

// Actor identifies who performed a mutation, for changelog attribution.
type Actor struct {
	Admin string
	Host  string
}

// Alerter receives alert-level notifications: watcher timeouts, stale pilot
// reports, unexpected upstream failures. The SMTP plumbing lives behind this
// interface.
type Alerter interface {
	Alert(ctx context.Context, subject, message string)
}

// LogAlerter is the default Alerter: it logs at error level.
type LogAlerter struct {
	Logger *zap.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(_ context.Context, subject, message string) {
	a.Logger.Error("alert", zap.String("subject", subject), zap.String("message", message))
}

// Rebuilder regenerates the client-data artifact after mutations. The
// client-data builder implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Config carries the tunables of the lifecycle engine.
type Config struct {
	// PatchPollInterval and PatchPollTimeout bound the patch-visibility
	// watcher.
	PatchPollInterval time.Duration
	PatchPollTimeout  time.Duration

	// EAPollInterval and EAPollTimeout bound the EA-acceptance watcher.
	EAPollInterval time.Duration
	EAPollTimeout  time.Duration

	// DeprecatedLifetimeDays is how long deprecated versions are kept before
	// cleanup deletes them. Zero or negative disables the deletion.
	DeprecatedLifetimeDays int

	// KeepSkippedVersions stops cleanup from deleting skipped versions.
	KeepSkippedVersions bool

	// StalePilotDays is how long the newest version may sit in pilot before
	// the monthly report flags it.
	StalePilotDays int
}

func (c *Config) applyDefaults() {
	if c.PatchPollInterval <= 0 {
		c.PatchPollInterval = 15 * time.Second
	}
	if c.PatchPollTimeout <= 0 {
		c.PatchPollTimeout = 60 * time.Minute
	}
	if c.EAPollInterval <= 0 {
		c.EAPollInterval = 30 * time.Second
	}
	if c.EAPollTimeout <= 0 {
		c.EAPollTimeout = 60 * time.Minute
	}
	if c.StalePilotDays <= 0 {
		c.StalePilotDays = 180
	}
}

// Manager owns the lifecycle workflows and the long-lived state they share:
// the entity lock table, the changelog, the worker registry, the watcher
// set, and the package deletion pool.
type Manager struct {
	store     store.Store
	changelog *store.Changelog
	locks     *locks.Manager
	catalog   catalog.Factory
	fleet     fleet.Factory
	registry  *progress.Registry
	pool      *DeletePool
	watchers  *watcherSet
	alerter   Alerter
	rebuilder Rebuilder
	metrics   *observability.Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// Options bundles the collaborators of a Manager. Store, Changelog, Locks,
// Catalog, and Fleet are required; the rest default to no-ops.
type Options struct {
	Store     store.Store
	Changelog *store.Changelog
	Locks     *locks.Manager
	Catalog   catalog.Factory
	Fleet     fleet.Factory
	Registry  *progress.Registry
	Pool      *DeletePool
	Alerter   Alerter
	Rebuilder Rebuilder
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Config    Config
}

// NewManager validates the options and creates a lifecycle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Changelog == nil {
		return nil, fmt.Errorf("changelog is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog factory is required")
	}
	if opts.Fleet == nil {
		return nil, fmt.Errorf("fleet factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = progress.NewRegistry(opts.Logger)
	}
	if opts.Alerter == nil {
		opts.Alerter = LogAlerter{Logger: opts.Logger}
	}
	opts.Config.applyDefaults()

	m := &Manager{
		store:     opts.Store,
		changelog: opts.Changelog,
		locks:     opts.Locks,
		catalog:   opts.Catalog,
		fleet:     opts.Fleet,
		registry:  opts.Registry,
		pool:      opts.Pool,
		watchers:  newWatcherSet(),
		alerter:   opts.Alerter,
		rebuilder: opts.Rebuilder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cfg:       opts.Config,
		now:       time.Now,
	}
	return m, nil
}

// Registry exposes the worker registry for the shutdown coordinator.
func (m *Manager) Registry() *progress.Registry {
	return m.registry
}

// Locks exposes the lock manager for the shutdown coordinator.
func (m *Manager) Locks() *locks.Manager {
	return m.locks
}

// openCatalog opens a request-scoped catalog client.
func (m *Manager) openCatalog(ctx context.Context) (catalog.Client, error) {
	c, err := m.catalog.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog connection: %w", err)
	}
	return c, nil
}

// openFleet opens a request-scoped fleet client.
func (m *Manager) openFleet(ctx context.Context) (fleet.Client, error) {
	f, err := m.fleet.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet connection: %w", err)
	}
	return f, nil
}

func (m *Manager) closeClient(c interface{ Close() error }, what string) {
	if err := c.Close(); err != nil {
		m.logger.Warn("failed to close connection", zap.String("backend", what), zap.Error(err))
	}
}

// recordWorkflow records workflow metrics when a metrics instance is wired.
func (m *Manager) recordWorkflow(name string, start time.Time, err error) {
	if m.metrics != nil {
		m.metrics.RecordWorkflow(name, time.Since(start), err)
	}
}

// recordRollback records a rollback when a metrics instance is wired.
func (m *Manager) recordRollback(name string) {
	if m.metrics != nil {
		m.metrics.RecordRollback(name)
	}
}

// rebuildClientData regenerates the client-data artifact. Failures are
// logged, not propagated: the mutation that triggered the rebuild has
// already committed.
func (m *Manager) rebuildClientData(ctx context.Context) {
	if m.rebuilder == nil {
		return
	}
	if err := m.rebuilder.Rebuild(ctx); err != nil {
		m.logger.Error("client data rebuild failed", zap.Error(err))
	}
}

// step writes a progress line when the workflow runs under a tracker.
func step(tracker *progress.Tracker, format string, args ...any) {
	if tracker != nil {
		tracker.Step(fmt.Sprintf(format, args...))
	}
}
