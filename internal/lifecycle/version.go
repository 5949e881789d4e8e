package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/store"
)

// versionObjectName names a version-scoped fleet object.
func versionObjectName(slug, version, suffix string) string {
	return models.ObjectPrefix + slug + "-" + version + suffix
}

// patchAttrs renders a version's catalog patch attributes.
func patchAttrs(v *models.Version) catalog.PatchAttrs {
	attrs := catalog.PatchAttrs{
		MinOS:      v.MinOS,
		MaxOS:      v.MaxOS,
		Reboot:     v.Reboot,
		Standalone: v.Standalone,
		KillApps:   v.KillApps,
	}
	if !v.PublishDate.IsZero() {
		attrs.PublishDate = v.PublishDate.UTC().Format("2006-01-02")
	}
	return attrs
}

// CreateVersion provisions a new version of a title: the catalog patch with
// its component, capabilities, and killapps; the fleet package and install
// policies; and the on-disk document. The patch policy cannot exist until
// the fleet has noticed the new patch, so its creation is handed to the
// patch-visibility watcher. The version enters the pilot state.
func (m *Manager) CreateVersion(ctx context.Context, actor Actor, v *models.Version, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("version-create", start, err) }()

	v.State = models.StatePending
	if err = v.Validate(); err != nil {
		return err
	}

	if err = m.locks.AcquireTitle(ctx, v.Title); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(v.Title)
	if err = m.locks.AcquireVersion(ctx, v.Title, v.Version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(v.Title, v.Version)

	t, err := m.store.LoadTitle(ctx, v.Title)
	if err != nil {
		return err
	}
	if t.HasVersion(v.Version) {
		return fmt.Errorf("%w: %s %s", store.ErrVersionExists, v.Title, v.Version)
	}
	req, err := t.Requirement()
	if err != nil {
		return err
	}

	v.CreationDate = m.now().UTC()
	v.CreatedBy = actor.Admin

	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, v.Title, v.Version, "VERSION CREATE", err)
		}
	}()

	step(tracker, "creating catalog patch %s %s", v.Title, v.Version)
	if err = m.createCatalogPatch(ctx, v, req); err != nil {
		return err
	}

	step(tracker, "creating fleet package and policies for %s %s", v.Title, v.Version)
	if err = m.createFleetVersionObjects(ctx, t, v); err != nil {
		return err
	}

	// Fleet objects are in place; the version is piloting from here on.
	v.State = models.StatePilot

	t.AddVersion(v.Version)
	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}
	if err = m.store.SaveVersion(ctx, v); err != nil {
		return err
	}

	entry := m.logEntry(actor, v.Version, fmt.Sprintf("Version %s created", v.Version))
	if err = m.changelog.Append(ctx, v.Title, entry); err != nil {
		return err
	}

	step(tracker, "waiting for patch visibility of %s %s in background", v.Title, v.Version)
	m.StartPatchWatcher(v.Title, v.Version)

	m.logger.Info("version created",
		zap.String("title", v.Title),
		zap.String("version", v.Version),
		zap.String("admin", actor.Admin),
	)
	m.rebuildClientData(ctx)
	return nil
}

func (m *Manager) createCatalogPatch(ctx context.Context, v *models.Version, req models.Requirement) error {
	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(cc, "catalog")

	id, err := cc.CreatePatch(ctx, v.Title, v.Version, patchAttrs(v))
	if err != nil {
		return err
	}
	v.CatalogPatchID = id

	if err := cc.SetPatchComponent(ctx, v.Title, v.Version, req); err != nil {
		return err
	}
	return cc.EnablePatch(ctx, v.Title, v.Version)
}

func (m *Manager) createFleetVersionObjects(ctx context.Context, t *models.Title, v *models.Version) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if v.FleetPackageFilename == "" {
		v.FleetPackageFilename = fmt.Sprintf("%s-%s.pkg", v.Title, v.Version)
	}
	pkgID, err := fc.CreatePackage(ctx, fleet.PackageSpec{
		Name:           versionObjectName(v.Title, v.Version, ""),
		Filename:       v.FleetPackageFilename,
		Category:       t.SelfServiceCategory,
		OSRequirement:  v.MinOS,
		RebootRequired: v.Reboot,
		Distribution:   v.Standalone,
	})
	if err != nil {
		return err
	}
	v.FleetPackageID = pkgID

	manualID, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
		Name:      versionObjectName(v.Title, v.Version, models.SuffixManualPolicy),
		Kind:      fleet.PolicyManualInstall,
		PackageID: pkgID,
		Scope:     fleet.Scope{AllTargets: true, Exclusions: exclusionsFor(t)},
		Reboot:    v.Reboot,
		Enabled:   true,
	})
	if err != nil {
		return err
	}
	v.FleetManualPolicyID = manualID

	autoID, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
		Name:      versionObjectName(v.Title, v.Version, models.SuffixAutoPolicy),
		Kind:      fleet.PolicyAutoInstall,
		PackageID: pkgID,
		Scope:     autoInstallScope(t, v),
		Reboot:    v.Reboot,
		Enabled:   true,
	})
	if err != nil {
		return err
	}
	v.FleetAutoPolicyID = autoID

	// Patch-title subscription is idempotent; the first version activates it.
	if _, err := fc.ActivatePatchTitle(ctx, v.Title); err != nil && !errors.Is(err, fleet.ErrConflict) {
		return err
	}
	return nil
}

// UpdateVersion applies an admin edit to a stored version, mirroring the
// diff to the catalog patch (capabilities, killapps) and the fleet package
// and policies (OS requirement, reboot flag, pilot scope).
func (m *Manager) UpdateVersion(ctx context.Context, actor Actor, incoming *models.Version, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("version-update", start, err) }()

	if err = m.locks.AcquireTitle(ctx, incoming.Title); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(incoming.Title)
	if err = m.locks.AcquireVersion(ctx, incoming.Title, incoming.Version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(incoming.Title, incoming.Version)

	t, err := m.store.LoadTitle(ctx, incoming.Title)
	if err != nil {
		return err
	}
	stored, err := m.store.LoadVersion(ctx, incoming.Title, incoming.Version)
	if err != nil {
		return err
	}

	// State and identifiers are server-owned.
	incoming.State = stored.State
	incoming.CreationDate = stored.CreationDate
	incoming.CreatedBy = stored.CreatedBy
	incoming.ReleaseDate = stored.ReleaseDate
	incoming.DeprecatedDate = stored.DeprecatedDate
	incoming.CatalogPatchID = stored.CatalogPatchID
	incoming.FleetPackageID = stored.FleetPackageID
	incoming.FleetPackageFilename = stored.FleetPackageFilename
	incoming.FleetManualPolicyID = stored.FleetManualPolicyID
	incoming.FleetAutoPolicyID = stored.FleetAutoPolicyID
	incoming.FleetPatchPolicyID = stored.FleetPatchPolicyID

	if err = incoming.Validate(); err != nil {
		return err
	}

	changes := models.DiffVersions(stored, incoming)
	if len(changes) == 0 {
		m.logger.Info("version update is a no-op",
			zap.String("title", incoming.Title),
			zap.String("version", incoming.Version),
		)
		return nil
	}

	if err = m.changelog.AppendAll(ctx, incoming.Title, m.changeEntries(actor, incoming.Version, changes)); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, incoming.Title, incoming.Version, "VERSION UPDATE", err)
		}
	}()

	step(tracker, "updating catalog patch %s %s", incoming.Title, incoming.Version)
	if err = m.mirrorVersionToCatalog(ctx, incoming, changes); err != nil {
		return err
	}

	step(tracker, "updating fleet objects for %s %s", incoming.Title, incoming.Version)
	if err = m.mirrorVersionToFleet(ctx, t, incoming, changes); err != nil {
		return err
	}

	if err = m.store.SaveVersion(ctx, incoming); err != nil {
		return err
	}

	m.logger.Info("version updated",
		zap.String("title", incoming.Title),
		zap.String("version", incoming.Version),
		zap.Int("changes", len(changes)),
	)
	m.rebuildClientData(ctx)
	return nil
}

func (m *Manager) mirrorVersionToCatalog(ctx context.Context, v *models.Version, changes []models.Change) error {
	capsChanged := models.Changed(changes, "min_os") || models.Changed(changes, "max_os")
	killAppsChanged := models.Changed(changes, "killapps")
	attrsChanged := models.Changed(changes, "reboot") || models.Changed(changes, "standalone")
	if !capsChanged && !killAppsChanged && !attrsChanged {
		return nil
	}

	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(cc, "catalog")

	if attrsChanged {
		if err := cc.UpdatePatch(ctx, v.Title, v.Version, patchAttrs(v)); err != nil {
			return err
		}
	}
	if capsChanged {
		if err := cc.SetPatchCapabilities(ctx, v.Title, v.Version, v.MinOS, v.MaxOS); err != nil {
			return err
		}
	}
	if killAppsChanged {
		if err := cc.SetPatchKillApps(ctx, v.Title, v.Version, v.KillApps); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mirrorVersionToFleet(ctx context.Context, t *models.Title, v *models.Version, changes []models.Change) error {
	pkgChanged := models.Changed(changes, "min_os") || models.Changed(changes, "reboot") ||
		models.Changed(changes, "standalone")
	scopeChanged := models.Changed(changes, "pilot_groups")
	if !pkgChanged && !scopeChanged {
		return nil
	}

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if pkgChanged && v.FleetPackageID != "" {
		pkg, err := fc.GetPackage(ctx, v.FleetPackageID)
		if err != nil {
			return err
		}
		spec := pkg.PackageSpec
		spec.OSRequirement = v.MinOS
		spec.RebootRequired = v.Reboot
		spec.Distribution = v.Standalone
		if err := fc.UpdatePackage(ctx, v.FleetPackageID, spec); err != nil {
			return err
		}
	}

	return m.applyVersionScopes(ctx, fc, t, v)
}

// DeleteVersion removes a version end to end: the fleet patch policy and
// install policies immediately, the package through the deletion pool
// (package deletion is minute-scale upstream), the catalog patch, and the
// on-disk document.
func (m *Manager) DeleteVersion(ctx context.Context, actor Actor, slug, version string, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("version-delete", start, err) }()

	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}
	if err = m.deleteVersionUnderTitleLock(ctx, actor, t, version); err != nil {
		return err
	}
	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}

	step(tracker, "deleted version %s %s", slug, version)
	m.rebuildClientData(ctx)
	return nil
}

// deleteVersionUnderTitleLock deletes one version while the caller holds the
// title lock. It mutates t (version order, released version) but does not
// save it; cascade deletes save once at the end.
func (m *Manager) deleteVersionUnderTitleLock(ctx context.Context, actor Actor, t *models.Title, version string) (err error) {
	slug := t.Name
	if err = m.locks.AcquireVersion(ctx, slug, version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(slug, version)

	v, err := m.store.LoadVersion(ctx, slug, version)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, slug, version, "VERSION DELETE", err)
		}
	}()

	if err = m.deleteFleetVersionObjects(ctx, v); err != nil {
		return err
	}

	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	if err = cc.DeletePatch(ctx, slug, version); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		m.closeClient(cc, "catalog")
		return err
	}
	m.closeClient(cc, "catalog")
	err = nil

	if err = m.store.DeleteVersion(ctx, slug, version); err != nil {
		return err
	}
	t.RemoveVersion(version)
	if t.ReleasedVersion == version {
		t.ReleasedVersion = ""
	}

	entry := m.logEntry(actor, version, fmt.Sprintf("Version %s deleted", version))
	if err = m.changelog.Append(ctx, slug, entry); err != nil {
		return err
	}

	m.logger.Info("version deleted",
		zap.String("title", slug),
		zap.String("version", version),
		zap.String("admin", actor.Admin),
	)
	return nil
}

func (m *Manager) deleteFleetVersionObjects(ctx context.Context, v *models.Version) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if v.FleetPatchPolicyID != "" {
		if err := fc.SetPatchPolicyEnabled(ctx, v.FleetPatchPolicyID, false); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		if err := fc.DeletePatchPolicy(ctx, v.FleetPatchPolicyID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}
	for _, id := range []string{v.FleetManualPolicyID, v.FleetAutoPolicyID} {
		if id == "" {
			continue
		}
		if err := fc.DeletePolicy(ctx, id); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}

	if v.FleetPackageID != "" {
		if m.pool != nil {
			if err := m.pool.Submit(v.Title, v.Version, v.FleetPackageID); err != nil {
				m.logger.Warn("package deletion queue full, deleting inline",
					zap.String("title", v.Title),
					zap.String("version", v.Version),
					zap.Error(err),
				)
				if err := fc.DeletePackage(ctx, v.FleetPackageID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
					return err
				}
			}
		} else if err := fc.DeletePackage(ctx, v.FleetPackageID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}
	return nil
}

// DeployVersion pushes a version's installer package to the named computers
// over MDM, outside the normal policy check-in cadence. The package must be
// a distribution package; the fleet reports ErrUnsupported otherwise.
func (m *Manager) DeployVersion(ctx context.Context, actor Actor, slug, version string, computers []string) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("version-deploy", start, err) }()

	if err = m.locks.AcquireVersion(ctx, slug, version); err != nil {
		return err
	}
	defer m.locks.ReleaseVersion(slug, version)

	v, err := m.store.LoadVersion(ctx, slug, version)
	if err != nil {
		return err
	}
	if v.FleetPackageID == "" {
		return fmt.Errorf("%w: version %s %s has no installer package", fleet.ErrUnsupported, slug, version)
	}

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if err = fc.DeployViaMDM(ctx, v.FleetPackageID, computers); err != nil {
		return err
	}

	entry := m.logEntry(actor, version, fmt.Sprintf("Deployed to %d computer(s) via MDM", len(computers)))
	if err = m.changelog.Append(ctx, slug, entry); err != nil {
		return err
	}

	m.logger.Info("version deployed via mdm",
		zap.String("title", slug),
		zap.String("version", version),
		zap.Int("computers", len(computers)),
		zap.String("admin", actor.Admin),
	)
	return nil
}
