// Package locks provides the per-title and per-version advisory locks that
// serialize lifecycle workflows. Locks carry a TTL so a crashed or hung
// workflow cannot orphan its entity forever; expired locks are swept
// opportunistically and reclaimed by the next acquirer.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long a lock may be held before it is considered
// abandoned and can be reclaimed.
const DefaultTTL = 60 * time.Minute

// Sentinel errors for lock operations.
var (
	// ErrLocked is returned when a lock could not be acquired before the
	// caller's context expired. Clients are advised to retry.
	ErrLocked = errors.New("entity is locked by another workflow")

	// ErrShuttingDown is returned when the manager refuses new acquisitions
	// because the server is shutting down.
	ErrShuttingDown = errors.New("server is shutting down")
)

// titleLock tracks the title-level lock and its nested version locks.
// A zero expiry means the lock is not held.
type titleLock struct {
	expires  time.Time
	versions map[string]time.Time
}

func (l *titleLock) empty() bool {
	return l.expires.IsZero() && len(l.versions) == 0
}

// Manager owns the lock table. Acquisition blocks on a condition variable
// until the requested entity is free; waiters are woken by releases, by
// shutdown, by context cancellation, and by TTL expiry timers.
type Manager struct {
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	cond         *sync.Cond
	titles       map[string]*titleLock
	shuttingDown bool
}

// NewManager creates a lock manager with the given TTL. A zero ttl uses
// DefaultTTL.
func NewManager(ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		titles: make(map[string]*titleLock),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// AcquireTitle blocks until the title lock is free, then claims it for the
// TTL. Returns ErrLocked if ctx expires while waiting and ErrShuttingDown if
// the manager no longer accepts acquisitions.
func (m *Manager) AcquireTitle(ctx context.Context, slug string) error {
	return m.acquire(ctx, slug, "")
}

// AcquireVersion blocks until the (title, version) lock is free, then claims
// it for the TTL. Callers that need both locks must acquire the title lock
// first.
func (m *Manager) AcquireVersion(ctx context.Context, slug, version string) error {
	return m.acquire(ctx, slug, version)
}

func (m *Manager) acquire(ctx context.Context, slug, version string) error {
	// Wake all waiters if the caller gives up, so the one whose context
	// expired can observe it.
	stop := context.AfterFunc(ctx, func() { m.cond.Broadcast() })
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.shuttingDown {
			return ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s", ErrLocked, lockName(slug, version))
		}

		expiry, live := m.liveExpiryLocked(slug, version)
		if !live {
			m.claimLocked(slug, version)
			return nil
		}

		// Wake waiters when the holder's TTL runs out, in case it never
		// releases.
		timer := time.AfterFunc(time.Until(expiry), func() { m.cond.Broadcast() })
		m.cond.Wait()
		timer.Stop()
	}
}

// liveExpiryLocked reports whether the requested lock is currently held and,
// if so, when it expires.
func (m *Manager) liveExpiryLocked(slug, version string) (time.Time, bool) {
	l, ok := m.titles[slug]
	if !ok {
		return time.Time{}, false
	}
	var expiry time.Time
	if version == "" {
		expiry = l.expires
	} else {
		expiry = l.versions[version]
	}
	if expiry.IsZero() || !m.now().Before(expiry) {
		return time.Time{}, false
	}
	return expiry, true
}

func (m *Manager) claimLocked(slug, version string) {
	l, ok := m.titles[slug]
	if !ok {
		l = &titleLock{versions: make(map[string]time.Time)}
		m.titles[slug] = l
	}
	expires := m.now().Add(m.ttl)
	if version == "" {
		l.expires = expires
	} else {
		l.versions[version] = expires
	}
}

// ReleaseTitle releases the title lock. Releasing an unheld lock is a no-op.
func (m *Manager) ReleaseTitle(slug string) {
	m.release(slug, "")
}

// ReleaseVersion releases the (title, version) lock.
func (m *Manager) ReleaseVersion(slug, version string) {
	m.release(slug, version)
}

func (m *Manager) release(slug, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.titles[slug]
	if !ok {
		return
	}
	if version == "" {
		l.expires = time.Time{}
	} else {
		delete(l.versions, version)
	}
	if l.empty() {
		delete(m.titles, slug)
	}
	m.cond.Broadcast()
}

// RemoveExpired sweeps locks whose TTL has run out and returns how many were
// removed. Background tasks call this before acquiring, and the shutdown
// coordinator calls it while waiting for the table to drain.
func (m *Manager) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for slug, l := range m.titles {
		if !l.expires.IsZero() && !now.Before(l.expires) {
			l.expires = time.Time{}
			removed++
			m.logger.Warn("expired title lock removed", zap.String("title", slug))
		}
		for version, expires := range l.versions {
			if !now.Before(expires) {
				delete(l.versions, version)
				removed++
				m.logger.Warn("expired version lock removed",
					zap.String("title", slug),
					zap.String("version", version),
				)
			}
		}
		if l.empty() {
			delete(m.titles, slug)
		}
	}
	if removed > 0 {
		m.cond.Broadcast()
	}
	return removed
}

// Held returns how many live locks exist after sweeping expired ones.
func (m *Manager) Held() int {
	m.RemoveExpired()
	m.mu.Lock()
	defer m.mu.Unlock()

	held := 0
	for _, l := range m.titles {
		if !l.expires.IsZero() {
			held++
		}
		held += len(l.versions)
	}
	return held
}

// BeginShutdown makes all future acquisitions fail with ErrShuttingDown and
// wakes every waiter.
func (m *Manager) BeginShutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// WaitIdle blocks until every lock has been released or has expired, or
// until ctx is done. The TTL sweep runs on each pass so abandoned locks
// cannot stall shutdown past their expiry.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		held := m.Held()
		if held == 0 {
			return nil
		}
		m.logger.Info("waiting for entity locks to clear", zap.Int("held", held))
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %d locks: %w", held, ctx.Err())
		case <-ticker.C:
		}
	}
}

func lockName(slug, version string) string {
	if version == "" {
		return slug
	}
	return slug + "/" + version
}
