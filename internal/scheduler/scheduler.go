// Package scheduler runs the maintenance timer. Every hour it checks whether
// the cleanup window has arrived and, if so, posts to the internal cleanup
// route over loopback with the per-process bearer token. Routing cleanup
// through the HTTP layer keeps maintenance under the same request, locking,
// and progress plumbing as admin-driven work.
package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/auth"
	"github.com/xolo-io/xolo/internal/progress"
)

// CleanupRoute is the internal route the scheduler posts to.
const CleanupRoute = "/maint/cleanup-internal"

// minRunGap is the minimum spacing between unforced cleanup runs. It is just
// under a day so a slightly early tick does not skip the next window.
const minRunGap = 23 * time.Hour

// Options configure a Scheduler.
type Options struct {
	// BaseURL is the loopback address of this server's own HTTP listener.
	BaseURL string

	// Token authorizes the internal cleanup route.
	Token auth.InternalToken

	// CleanupHour is the local hour (0-23) at which cleanup fires.
	CleanupHour int

	// Interval overrides the hourly tick, for tests.
	Interval time.Duration

	Logger *zap.Logger
}

// Scheduler fires the daily cleanup through the server's own HTTP surface.
type Scheduler struct {
	client      *http.Client
	baseURL     string
	token       auth.InternalToken
	cleanupHour int
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	lastRun time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler. It does not start ticking until Start is called.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Scheduler{
		client: &http.Client{
			Timeout: 30 * time.Minute,
			Transport: &http.Transport{
				// The server presents a self-signed certificate to itself.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		cleanupHour: opts.CleanupHour,
		interval:    opts.Interval,
		logger:      opts.Logger,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the timer loop on a supervised worker.
func (s *Scheduler) Start(registry *progress.Registry) {
	registry.Go("maintenance-scheduler", s.run)
}

// Stop ends the timer loop and waits for it to finish or ctx to expire. An
// in-flight cleanup POST is not interrupted; the server drains it like any
// other request.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop: %w", ctx.Err())
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.shouldRun(s.now(), false) {
				continue
			}
			if err := s.fire(context.Background()); err != nil {
				s.logger.Error("scheduled cleanup failed", zap.Error(err))
			}
		}
	}
}

// shouldRun reports whether cleanup is due: the local hour matches the
// configured window and the previous run is at least 23 hours old. force
// bypasses both checks.
func (s *Scheduler) shouldRun(now time.Time, force bool) bool {
	if force {
		return true
	}
	if now.Hour() != s.cleanupHour {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun.IsZero() || now.Sub(s.lastRun) >= minRunGap
}

// Trigger fires cleanup immediately, regardless of the window. Used by the
// admin cleanup route.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.fire(ctx)
}

// fire posts to the internal cleanup route and records the run on success.
func (s *Scheduler) fire(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+CleanupRoute, nil)
	if err != nil {
		return fmt.Errorf("failed to build cleanup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(s.token))

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cleanup request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cleanup returned %d: %s", resp.StatusCode, body)
	}

	s.mu.Lock()
	s.lastRun = start
	s.mu.Unlock()
	s.logger.Info("cleanup run complete", zap.Duration("duration", s.now().Sub(start)))
	return nil
}
