package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/store"
)

// Release applies the "release this version" command across all versions of
// a title. Versions are visited oldest first so no intermediate state has
// two versions simultaneously released:
//
//   - the target transitions to released
//   - older versions transition released→deprecated and pilot→skipped
//   - on a rollback (target older than the current release), the displaced
//     release is demoted to deprecated like any superseded release, and
//     newer deprecated/skipped versions are reset back to pilot
func (m *Manager) Release(ctx context.Context, actor Actor, slug, version string, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("release", start, err) }()

	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}
	if !t.HasVersion(version) {
		return fmt.Errorf("%w: %s %s", store.ErrVersionNotFound, slug, version)
	}

	target, err := m.store.LoadVersion(ctx, slug, version)
	if err != nil {
		return err
	}
	if target.State == models.StateReleased {
		return fmt.Errorf("%w: %s %s", ErrAlreadyReleased, slug, version)
	}

	// VersionOrder is newest first: a smaller index is a newer version. A
	// rollback is a release of something older than the current release.
	targetPos := versionPos(t, version)
	rollback := false
	if t.ReleasedVersion != "" {
		rollback = versionPos(t, t.ReleasedVersion) < targetPos
	}
	if rollback {
		m.recordRollback("release")
		step(tracker, "rolling back %s to %s", slug, version)
	}

	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, slug, version, "RELEASE", err)
		}
	}()

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	// Oldest first.
	for i := len(t.VersionOrder) - 1; i >= 0; i-- {
		name := t.VersionOrder[i]
		v, err := m.store.LoadVersion(ctx, slug, name)
		if err != nil {
			return err
		}

		switch {
		case i == targetPos:
			step(tracker, "releasing %s", name)
			err = m.releaseTarget(ctx, fc, t, v, rollback)
		case i > targetPos:
			err = m.retireOlder(ctx, fc, t, v, tracker)
		case rollback:
			if v.State == models.StateReleased {
				// The displaced release is demoted, never re-piloted.
				err = m.retireOlder(ctx, fc, t, v, tracker)
			} else {
				err = m.resetToPilot(ctx, fc, t, v, tracker)
			}
		default:
			continue
		}
		if err != nil {
			return err
		}
	}

	t.ReleasedVersion = version
	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}

	entry := m.logEntry(actor, version, fmt.Sprintf("version released: %s", version))
	if err = m.changelog.Append(ctx, slug, entry); err != nil {
		return err
	}

	m.logger.Info("version released",
		zap.String("title", slug),
		zap.String("version", version),
		zap.Bool("rollback", rollback),
		zap.String("admin", actor.Admin),
	)
	m.rebuildClientData(ctx)
	return nil
}

func versionPos(t *models.Title, version string) int {
	for i, name := range t.VersionOrder {
		if name == version {
			return i
		}
	}
	return -1
}

// releaseTarget transitions the target version to released and points the
// fleet at it: the patch policy is rescoped to the release groups (with
// allow_downgrade on a rollback), the per-version install policy moves into
// self service when the title requests it, and the title's latest-release
// policy is repointed at this version's package.
func (m *Manager) releaseTarget(ctx context.Context, fc fleet.Client, t *models.Title, v *models.Version, rollback bool) error {
	if err := m.locks.AcquireVersion(ctx, t.Name, v.Version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(t.Name, v.Version)

	v.State = models.StateReleased
	v.ReleaseDate = m.now().UTC()
	v.DeprecatedDate = time.Time{}

	if v.FleetPatchPolicyID != "" {
		err := fc.UpdatePatchPolicy(ctx, v.FleetPatchPolicyID, fleet.PatchPolicySpec{
			TitleSlug:      t.Name,
			Version:        v.Version,
			PackageID:      v.FleetPackageID,
			Scope:          patchPolicyScope(t, v),
			AllowDowngrade: rollback,
			SelfService:    t.SelfService,
		})
		if err != nil {
			return err
		}
		if err := fc.SetPatchPolicyEnabled(ctx, v.FleetPatchPolicyID, true); err != nil {
			return err
		}
	}

	if t.SelfService && v.FleetManualPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, v.FleetManualPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.SelfService = true
		spec.SelfServiceCategory = t.SelfServiceCategory
		spec.SelfServiceIconID = t.SelfServiceIconID
		if err := fc.UpdatePolicy(ctx, v.FleetManualPolicyID, spec); err != nil {
			return err
		}
	}

	// The title's latest-release policy installs this version from now on.
	if t.FleetManualPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, t.FleetManualPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.PackageID = v.FleetPackageID
		spec.Enabled = true
		if err := fc.UpdatePolicy(ctx, t.FleetManualPolicyID, spec); err != nil {
			return err
		}
	}

	return m.store.SaveVersion(ctx, v)
}

// retireOlder demotes a version superseded by the release target:
// released→deprecated, pilot→skipped. Other states are left alone. On a
// rollback the displaced newer release is demoted through here as well.
func (m *Manager) retireOlder(ctx context.Context, fc fleet.Client, t *models.Title, v *models.Version, tracker *progress.Tracker) error {
	var next models.VersionState
	switch v.State {
	case models.StateReleased:
		next = models.StateDeprecated
	case models.StatePilot, models.StatePending:
		next = models.StateSkipped
	default:
		return nil
	}

	if err := m.locks.AcquireVersion(ctx, t.Name, v.Version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(t.Name, v.Version)

	step(tracker, "%s: %s -> %s", v.Version, v.State, next)
	v.State = next
	if next == models.StateDeprecated {
		v.DeprecatedDate = m.now().UTC()
	}

	// Retired versions stop installing anywhere.
	if v.FleetPatchPolicyID != "" {
		if err := fc.SetPatchPolicyEnabled(ctx, v.FleetPatchPolicyID, false); err != nil {
			return err
		}
	}
	if v.FleetAutoPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, v.FleetAutoPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.Enabled = false
		if err := fc.UpdatePolicy(ctx, v.FleetAutoPolicyID, spec); err != nil {
			return err
		}
	}

	return m.store.SaveVersion(ctx, v)
}

// resetToPilot reverts a deprecated or skipped version newer than the
// rollback target back to pilot: pilot-group scope is restored, the version
// leaves self service, and allow-downgrade is cleared. The displaced release
// itself is deprecated instead. Only the rollback branch of the release
// engine calls this.
func (m *Manager) resetToPilot(ctx context.Context, fc fleet.Client, t *models.Title, v *models.Version, tracker *progress.Tracker) error {
	switch v.State {
	case models.StateDeprecated, models.StateSkipped:
	default:
		return nil
	}

	if err := m.locks.AcquireVersion(ctx, t.Name, v.Version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(t.Name, v.Version)

	step(tracker, "%s: %s -> %s", v.Version, v.State, models.StatePilot)
	v.State = models.StatePilot
	v.ReleaseDate = time.Time{}
	v.DeprecatedDate = time.Time{}

	if v.FleetPatchPolicyID != "" {
		err := fc.UpdatePatchPolicy(ctx, v.FleetPatchPolicyID, fleet.PatchPolicySpec{
			TitleSlug:      t.Name,
			Version:        v.Version,
			PackageID:      v.FleetPackageID,
			Scope:          fleet.Scope{Targets: v.EffectivePilotGroups(t), Exclusions: exclusionsFor(t)},
			AllowDowngrade: false,
			SelfService:    false,
		})
		if err != nil {
			return err
		}
		if err := fc.SetPatchPolicyEnabled(ctx, v.FleetPatchPolicyID, true); err != nil {
			return err
		}
	}
	if v.FleetAutoPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, v.FleetAutoPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.Scope = autoInstallScope(t, v)
		spec.Enabled = true
		if err := fc.UpdatePolicy(ctx, v.FleetAutoPolicyID, spec); err != nil {
			return err
		}
	}
	if v.FleetManualPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, v.FleetManualPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.SelfService = false
		if err := fc.UpdatePolicy(ctx, v.FleetManualPolicyID, spec); err != nil {
			return err
		}
	}

	return m.store.SaveVersion(ctx, v)
}
