package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
)

// maintenanceActor attributes changelog entries written by the maintenance
// run itself rather than an operator.
var maintenanceActor = Actor{Admin: "xolo-maintenance", Host: "localhost"}

// Cleanup is the hourly maintenance run: it evicts expired entity locks,
// accepts any extension attribute the fleet has quarantined, retires
// deprecated versions past their lifetime, drops skipped versions, and on
// the first of the month reports titles whose newest version has been
// sitting in pilot too long.
func (m *Manager) Cleanup(ctx context.Context, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordCleanupRun(time.Since(start), err)
		}
	}()

	if expired := m.locks.RemoveExpired(); expired > 0 {
		m.logger.Warn("evicted expired entity locks", zap.Int("count", expired))
		step(tracker, "evicted %d expired lock(s)", expired)
	}

	slugs, err := m.store.ListTitles(ctx)
	if err != nil {
		return err
	}

	monthly := start.Day() == 1
	var stale []string

	for _, slug := range slugs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		titleStale, err := m.cleanupTitle(ctx, slug, monthly, tracker)
		if err != nil {
			// One broken title must not starve the rest of the run.
			m.logger.Error("title maintenance failed",
				zap.String("title", slug),
				zap.Error(err),
			)
			continue
		}
		if titleStale != "" {
			stale = append(stale, titleStale)
		}
	}

	if monthly && len(stale) > 0 {
		m.reportStalePilots(ctx, stale)
	}

	step(tracker, "maintenance finished: %d title(s) visited", len(slugs))
	return nil
}

// cleanupTitle runs the per-title maintenance tasks. It returns a non-empty
// description when the title's newest version is a stale pilot.
func (m *Manager) cleanupTitle(ctx context.Context, slug string, monthly bool, tracker *progress.Tracker) (string, error) {
	if err := m.locks.AcquireTitle(ctx, slug); err != nil {
		return "", err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return "", err
	}

	req, err := t.Requirement()
	if err == nil && req.Kind == models.RequirementScript {
		if err := m.sweepEAAcceptance(ctx, slug); err != nil {
			m.logger.Warn("extension attribute sweep failed",
				zap.String("title", slug),
				zap.Error(err),
			)
		}
	}

	if err := m.pruneVersions(ctx, t, tracker); err != nil {
		return "", err
	}

	if monthly {
		return m.stalePilotReport(ctx, t), nil
	}
	return "", nil
}

// sweepEAAcceptance accepts the title's extension attribute when the fleet
// reports it pending. The EA watcher normally handles this within its
// budget; the sweep catches anything the watcher missed.
func (m *Manager) sweepEAAcceptance(ctx context.Context, slug string) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	pending, err := fc.EAAcceptancePending(ctx, slug)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return nil
		}
		return err
	}
	if !pending {
		return nil
	}
	if err := fc.AcceptEA(ctx, slug); err != nil {
		return err
	}
	m.logger.Info("accepted quarantined extension attribute", zap.String("title", slug))
	return nil
}

// pruneVersions deletes versions past their retention: deprecated versions
// older than the configured lifetime and, unless retention is configured,
// skipped versions. The caller holds the title lock.
func (m *Manager) pruneVersions(ctx context.Context, t *models.Title, tracker *progress.Tracker) error {
	now := m.now()

	// Oldest first so each deletion removes the tail of the order.
	var doomed []string
	for i := len(t.VersionOrder) - 1; i >= 0; i-- {
		name := t.VersionOrder[i]
		v, err := m.store.LoadVersion(ctx, t.Name, name)
		if err != nil {
			return err
		}
		switch v.State {
		case models.StateDeprecated:
			if m.cfg.DeprecatedLifetimeDays > 0 &&
				staleSince(now, v.DeprecatedDate, m.cfg.DeprecatedLifetimeDays) {
				doomed = append(doomed, name)
			}
		case models.StateSkipped:
			if !m.cfg.KeepSkippedVersions {
				doomed = append(doomed, name)
			}
		}
	}
	if len(doomed) == 0 {
		return nil
	}

	for _, name := range doomed {
		step(tracker, "%s: pruning version %s", t.Name, name)
		if err := m.deleteVersionUnderTitleLock(ctx, maintenanceActor, t, name); err != nil {
			return err
		}
	}
	if err := m.store.SaveTitle(ctx, t); err != nil {
		return err
	}

	m.logger.Info("pruned retired versions",
		zap.String("title", t.Name),
		zap.Strings("versions", doomed),
	)
	m.rebuildClientData(ctx)
	return nil
}

// stalePilotReport describes the title when its newest version has been in
// pilot longer than the stale-pilot threshold.
func (m *Manager) stalePilotReport(ctx context.Context, t *models.Title) string {
	if len(t.VersionOrder) == 0 {
		return ""
	}
	newest, err := m.store.LoadVersion(ctx, t.Name, t.VersionOrder[0])
	if err != nil {
		return ""
	}
	if newest.State != models.StatePilot {
		return ""
	}
	if !staleSince(m.now(), newest.CreationDate, m.cfg.StalePilotDays) {
		return ""
	}

	contact := t.ContactEmail
	if contact == "" {
		contact = "(no contact on file)"
	}
	return fmt.Sprintf("%s %s: in pilot since %s, contact %s",
		t.Name, newest.Version, newest.CreationDate.Format("2006-01-02"), contact)
}

func (m *Manager) reportStalePilots(ctx context.Context, stale []string) {
	msg := "The following versions have been in pilot beyond the configured threshold:\n"
	for _, line := range stale {
		msg += "  " + line + "\n"
	}
	m.alerter.Alert(ctx, fmt.Sprintf("%d stale pilot version(s)", len(stale)), msg)
}
