package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
)

// watcherSet deduplicates background watchers: at most one watcher runs per
// key, so re-saving a title does not stack a second EA poller on the first.
type watcherSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newWatcherSet() *watcherSet {
	return &watcherSet{active: make(map[string]struct{})}
}

// TryBegin claims the key. It returns false when a watcher already holds it.
func (s *watcherSet) TryBegin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

// End releases the key.
func (s *watcherSet) End(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

func (m *Manager) recordWatcherOutcome(watcher, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordWatcherOutcome(watcher, outcome)
	}
}

// StartPatchWatcher launches the background poller that waits for the fleet
// to notice a newly enabled catalog patch. Fleet servers refresh their patch
// feed on their own schedule, so the version's patch policy cannot be created
// synchronously during version creation; this watcher finishes the job once
// the version becomes visible. At most one watcher runs per title/version.
func (m *Manager) StartPatchWatcher(slug, version string) {
	key := "patch:" + slug + "/" + version
	if !m.watchers.TryBegin(key) {
		return
	}

	name := fmt.Sprintf("patch-watch-%s-%s", slug, version)
	m.registry.Go(name, func() {
		defer m.watchers.End(key)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PatchPollTimeout)
		defer cancel()

		log := m.logger.With(zap.String("title", slug), zap.String("version", version))

		ticker := time.NewTicker(m.cfg.PatchPollInterval)
		defer ticker.Stop()
		for {
			visible, err := m.patchVisible(ctx, slug, version)
			if err != nil {
				log.Warn("patch visibility poll failed", zap.Error(err))
			}
			if visible {
				if err := m.confirmPatchVisible(ctx, slug, version); err != nil {
					log.Error("failed to finalize visible patch", zap.Error(err))
					m.recordWatcherOutcome("patch-visibility", "error")
					return
				}
				log.Info("patch visible, patch policy created")
				m.recordWatcherOutcome("patch-visibility", "confirmed")
				m.rebuildClientData(ctx)
				return
			}

			select {
			case <-ctx.Done():
				m.recordWatcherOutcome("patch-visibility", "timeout")
				m.alerter.Alert(context.Background(),
					fmt.Sprintf("patch never became visible: %s %s", slug, version),
					fmt.Sprintf("the fleet did not report version %s of %s in its patch feed within %s; the patch policy was not created: %v",
						version, slug, m.cfg.PatchPollTimeout, ErrWatcherTimeout))
				return
			case <-ticker.C:
			}
		}
	})
}

func (m *Manager) patchVisible(ctx context.Context, slug, version string) (bool, error) {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return false, err
	}
	defer m.closeClient(fc, "fleet")
	return fc.PatchVersionVisible(ctx, slug, version)
}

// confirmPatchVisible assigns the package to the now-visible patch version
// and creates its patch policy, scoped to the pilot groups (or the release
// groups if the version was released in the meantime).
func (m *Manager) confirmPatchVisible(ctx context.Context, slug, version string) error {
	if err := m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)
	if err := m.locks.AcquireVersion(ctx, slug, version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(slug, version)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}
	v, err := m.store.LoadVersion(ctx, slug, version)
	if err != nil {
		return err
	}
	if v.FleetPatchPolicyID != "" {
		return nil
	}

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if err := fc.AssignPackageToPatchVersion(ctx, slug, version, v.FleetPackageID); err != nil {
		return fmt.Errorf("failed to assign package to patch version: %w", err)
	}

	id, err := fc.CreatePatchPolicy(ctx, fleet.PatchPolicySpec{
		TitleSlug:      slug,
		Version:        version,
		PackageID:      v.FleetPackageID,
		Scope:          patchPolicyScope(t, v),
		AllowDowngrade: false,
		SelfService:    v.State == models.StateReleased && t.SelfService,
	})
	if err != nil {
		return fmt.Errorf("failed to create patch policy: %w", err)
	}

	v.FleetPatchPolicyID = id
	return m.store.SaveVersion(ctx, v)
}

// StartEAWatcher launches the background poller that accepts the extension
// attribute of a script-based title on the server's behalf. Fleet servers
// quarantine server-created scripts until an operator (or this watcher)
// accepts them. At most one watcher runs per title.
func (m *Manager) StartEAWatcher(slug string) {
	key := "ea:" + slug
	if !m.watchers.TryBegin(key) {
		return
	}

	name := "ea-watch-" + slug
	m.registry.Go(name, func() {
		defer m.watchers.End(key)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EAPollTimeout)
		defer cancel()

		log := m.logger.With(zap.String("title", slug))

		ticker := time.NewTicker(m.cfg.EAPollInterval)
		defer ticker.Stop()
		for {
			accepted, err := m.acceptEAIfPending(ctx, slug)
			if err != nil {
				log.Warn("extension attribute poll failed", zap.Error(err))
			}
			if accepted {
				log.Info("extension attribute accepted")
				m.recordWatcherOutcome("ea-acceptance", "accepted")
				return
			}

			select {
			case <-ctx.Done():
				m.recordWatcherOutcome("ea-acceptance", "timeout")
				m.alerter.Alert(context.Background(),
					fmt.Sprintf("extension attribute never pended acceptance: %s", slug),
					fmt.Sprintf("the extension attribute for %s did not require acceptance within %s: %v",
						slug, m.cfg.EAPollTimeout, ErrWatcherTimeout))
				return
			case <-ticker.C:
			}
		}
	})
}

func (m *Manager) acceptEAIfPending(ctx context.Context, slug string) (bool, error) {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return false, err
	}
	defer m.closeClient(fc, "fleet")

	pending, err := fc.EAAcceptancePending(ctx, slug)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !pending {
		return false, nil
	}
	if err := fc.AcceptEA(ctx, slug); err != nil {
		return false, err
	}
	return true, nil
}
