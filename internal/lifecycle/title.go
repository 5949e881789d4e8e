package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/progress"
	"github.com/xolo-io/xolo/internal/store"
)

// exclusionsFor returns the exclusion group names every policy of a title
// carries: the configured excluded groups plus the frozen group.
func exclusionsFor(t *models.Title) []string {
	out := make([]string, 0, len(t.ExcludedGroups)+1)
	out = append(out, t.ExcludedGroups...)
	out = append(out, t.ObjectName(models.SuffixFrozenGroup))
	return out
}

// changeEntries renders a diff as changelog records.
func (m *Manager) changeEntries(actor Actor, version string, changes []models.Change) []models.ChangelogEntry {
	entries := make([]models.ChangelogEntry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, models.ChangelogEntry{
			Time:    m.now().UTC(),
			Admin:   actor.Admin,
			Host:    actor.Host,
			Version: version,
			Attrib:  c.Attrib,
			Old:     c.Old,
			New:     c.New,
		})
	}
	return entries
}

func (m *Manager) logEntry(actor Actor, version, message string) models.ChangelogEntry {
	return models.ChangelogEntry{
		Time:    m.now().UTC(),
		Admin:   actor.Admin,
		Host:    actor.Host,
		Version: version,
		Message: message,
	}
}

// failMarker appends a failure record so forensic state survives a failed
// workflow. Best effort: the original error is what the caller returns.
func (m *Manager) failMarker(ctx context.Context, actor Actor, slug, version, op string, cause error) {
	entry := m.logEntry(actor, version, fmt.Sprintf("%s FAILED: %v", op, cause))
	if err := m.changelog.Append(ctx, slug, entry); err != nil {
		m.logger.Error("failed to append failure marker",
			zap.String("title", slug),
			zap.Error(err),
		)
	}
}

// CreateTitle provisions a new title: the catalog object and requirement
// first, then the fleet side objects (category, installed smart group,
// frozen static group, latest-release install policy, uninstall and expire
// policies as configured), then the on-disk document and the changelog.
func (m *Manager) CreateTitle(ctx context.Context, actor Actor, t *models.Title, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-create", start, err) }()

	if err = t.Validate(); err != nil {
		return err
	}
	exists, err := m.store.TitleExists(ctx, t.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", store.ErrTitleExists, t.Name)
	}

	if err = m.locks.AcquireTitle(ctx, t.Name); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(t.Name)

	t.CreationDate = m.now().UTC()
	t.CreatedBy = actor.Admin
	req, err := t.Requirement()
	if err != nil {
		return err
	}

	step(tracker, "creating catalog title %s", t.Name)
	if err = m.createCatalogTitle(ctx, t, req); err != nil {
		return err
	}

	step(tracker, "creating fleet objects for %s", t.Name)
	if err = m.createFleetTitleObjects(ctx, t, req); err != nil {
		return err
	}

	step(tracker, "saving %s", t.Name)
	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}
	if t.VersionScript != "" {
		if err = m.store.WriteScript(ctx, t.Name, store.ScriptVersion, t.VersionScript); err != nil {
			return err
		}
	}
	if t.UninstallScript != "" {
		if err = m.store.WriteScript(ctx, t.Name, store.ScriptUninstall, t.UninstallScript); err != nil {
			return err
		}
	}

	if err = m.changelog.Append(ctx, t.Name, m.logEntry(actor, "", "Title Created")); err != nil {
		return err
	}

	m.logger.Info("title created", zap.String("title", t.Name), zap.String("admin", actor.Admin))
	m.rebuildClientData(ctx)
	return nil
}

func (m *Manager) createCatalogTitle(ctx context.Context, t *models.Title, req models.Requirement) error {
	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(cc, "catalog")

	id, err := cc.CreateTitle(ctx, catalog.TitleSpec{
		Slug:        t.Name,
		DisplayName: t.DisplayName,
		Publisher:   t.Publisher,
		AppName:     t.AppName,
		BundleID:    t.AppBundleID,
	})
	if err != nil {
		return err
	}
	t.CatalogID = id

	return cc.SetRequirement(ctx, t.Name, req)
}

func (m *Manager) createFleetTitleObjects(ctx context.Context, t *models.Title, req models.Requirement) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if t.SelfServiceCategory != "" {
		if _, err := fc.EnsureCategory(ctx, t.SelfServiceCategory); err != nil {
			return err
		}
	}

	// Script-based requirements need the duplicate normal EA before the
	// installed group can reference it.
	eaName := t.ObjectName(models.SuffixEA)
	if req.Kind == models.RequirementScript {
		id, err := fc.UpsertEA(ctx, eaName, req.Script.Source)
		if err != nil {
			return err
		}
		t.FleetEAID = id
	}

	installedID, err := fc.CreateSmartGroup(ctx, fleet.SmartGroupSpec{
		Name:     t.ObjectName(models.SuffixInstalledGroup),
		Criteria: fleet.CriteriaFor(req, eaName),
	})
	if err != nil {
		return err
	}
	t.FleetInstalledGroupID = installedID

	frozenID, err := fc.CreateStaticGroup(ctx, t.ObjectName(models.SuffixFrozenGroup), nil)
	if err != nil {
		return err
	}
	t.FleetFrozenGroupID = frozenID

	// The latest-release install policy starts disabled with no package; the
	// release engine points it at the released version.
	manualID, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
		Name:                t.ObjectName(models.SuffixManualPolicy),
		Kind:                fleet.PolicyManualInstall,
		Scope:               fleet.Scope{AllTargets: true, Exclusions: exclusionsFor(t)},
		SelfService:         t.SelfService,
		SelfServiceCategory: t.SelfServiceCategory,
		SelfServiceIconID:   t.SelfServiceIconID,
		Enabled:             false,
	})
	if err != nil {
		return err
	}
	t.FleetManualPolicyID = manualID

	if t.UninstallScript != "" {
		uninstallID, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
			Name:    t.ObjectName(models.SuffixUninstall),
			Kind:    fleet.PolicyUninstall,
			Scope:   fleet.Scope{Targets: []string{t.ObjectName(models.SuffixInstalledGroup)}},
			Script:  t.UninstallScript,
			Enabled: true,
		})
		if err != nil {
			return err
		}
		t.FleetUninstallID = uninstallID
	}

	if t.ExpirationDays > 0 {
		expireID, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
			Name:    t.ObjectName(models.SuffixExpire),
			Kind:    fleet.PolicyExpire,
			Scope:   fleet.Scope{Targets: []string{t.ObjectName(models.SuffixInstalledGroup)}},
			Script:  expireScript(t),
			Enabled: true,
		})
		if err != nil {
			return err
		}
		t.FleetExpireID = expireID
	}

	return nil
}

// expireScript renders the expire policy payload for a title.
func expireScript(t *models.Title) string {
	return fmt.Sprintf("#!/bin/sh\n# remove %s after %d days without use\nxolo-agent expire %q --days %d\n",
		t.Name, t.ExpirationDays, t.Name, t.ExpirationDays)
}

// UpdateTitle applies an admin edit to a stored title. The diff is appended
// to the changelog before any external system is touched so forensic state
// is preserved on failure; changes are then mirrored to the catalog (title
// attributes, requirement transitions) and the fleet (group criteria, EA,
// policy scopes), and finally re-saved. A requirement switch to or from
// script-based detection starts an EA-acceptance watcher.
func (m *Manager) UpdateTitle(ctx context.Context, actor Actor, incoming *models.Title, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-update", start, err) }()

	slug := incoming.Name
	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	stored, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}

	// Immutable and server-assigned attributes carry over.
	incoming.VersionOrder = stored.VersionOrder
	incoming.ReleasedVersion = stored.ReleasedVersion
	incoming.CatalogID = stored.CatalogID
	incoming.FleetInstalledGroupID = stored.FleetInstalledGroupID
	incoming.FleetFrozenGroupID = stored.FleetFrozenGroupID
	incoming.FleetManualPolicyID = stored.FleetManualPolicyID
	incoming.FleetUninstallID = stored.FleetUninstallID
	incoming.FleetExpireID = stored.FleetExpireID
	incoming.FleetEAID = stored.FleetEAID
	incoming.CreationDate = stored.CreationDate
	incoming.CreatedBy = stored.CreatedBy
	if incoming.SelfServiceIconID == "" {
		incoming.SelfServiceIconID = stored.SelfServiceIconID
	}

	if err = incoming.Validate(); err != nil {
		return err
	}

	changes := models.DiffTitles(stored, incoming)
	if len(changes) == 0 {
		m.logger.Info("title update is a no-op", zap.String("title", slug))
		return nil
	}

	// Changelog first, so the record of intent survives a failed mirror.
	if err = m.changelog.AppendAll(ctx, slug, m.changeEntries(actor, "", changes)); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, slug, "", "UPDATE", err)
		}
	}()

	oldReq, err := stored.Requirement()
	if err != nil {
		return err
	}
	newReq, err := incoming.Requirement()
	if err != nil {
		return err
	}
	transition := models.ClassifyRequirementTransition(oldReq, newReq)

	step(tracker, "updating catalog title %s", slug)
	if err = m.mirrorTitleToCatalog(ctx, incoming, changes, transition, newReq); err != nil {
		return err
	}

	step(tracker, "updating fleet objects for %s", slug)
	if err = m.mirrorTitleToFleet(ctx, stored, incoming, changes, transition, newReq); err != nil {
		return err
	}

	if err = m.store.SaveTitle(ctx, incoming); err != nil {
		return err
	}
	if models.Changed(changes, "version_script") {
		if incoming.VersionScript != "" {
			if err = m.store.WriteScript(ctx, slug, store.ScriptVersion, incoming.VersionScript); err != nil {
				return err
			}
		} else if err = m.store.RemoveScript(ctx, slug, store.ScriptVersion); err != nil {
			return err
		}
	}
	if models.Changed(changes, "uninstall_script") {
		if incoming.UninstallScript != "" {
			if err = m.store.WriteScript(ctx, slug, store.ScriptUninstall, incoming.UninstallScript); err != nil {
				return err
			}
		} else if err = m.store.RemoveScript(ctx, slug, store.ScriptUninstall); err != nil {
			return err
		}
	}

	// A requirement that became or changed its EA needs fleet-side
	// acceptance before clients report through it.
	if transition == models.TransitionAppToScript || transition == models.TransitionUpdateScript {
		m.StartEAWatcher(slug)
	}

	m.logger.Info("title updated",
		zap.String("title", slug),
		zap.Int("changes", len(changes)),
		zap.String("transition", string(transition)),
	)
	m.rebuildClientData(ctx)
	return nil
}

func (m *Manager) mirrorTitleToCatalog(
	ctx context.Context,
	t *models.Title,
	changes []models.Change,
	transition models.RequirementTransition,
	newReq models.Requirement,
) error {
	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(cc, "catalog")

	var patch catalog.TitlePatch
	if models.Changed(changes, "display_name") {
		patch.DisplayName = &t.DisplayName
	}
	if models.Changed(changes, "publisher") {
		patch.Publisher = &t.Publisher
	}
	if patch.DisplayName != nil || patch.Publisher != nil {
		if err := cc.UpdateTitle(ctx, t.Name, patch); err != nil {
			return err
		}
	}

	if transition == models.TransitionNone {
		return nil
	}

	if err := cc.SetRequirement(ctx, t.Name, newReq); err != nil {
		return err
	}
	// Every version's patch component mirrors the title's requirement kind.
	for _, v := range t.VersionOrder {
		if err := cc.SetPatchComponent(ctx, t.Name, v, newReq); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mirrorTitleToFleet(
	ctx context.Context,
	stored, incoming *models.Title,
	changes []models.Change,
	transition models.RequirementTransition,
	newReq models.Requirement,
) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	eaName := incoming.ObjectName(models.SuffixEA)

	switch transition {
	case models.TransitionAppToScript, models.TransitionUpdateScript:
		id, err := fc.UpsertEA(ctx, eaName, newReq.Script.Source)
		if err != nil {
			return err
		}
		incoming.FleetEAID = id
	case models.TransitionScriptToApp:
		if err := fc.DeleteEA(ctx, eaName); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		incoming.FleetEAID = ""
	}

	if transition != models.TransitionNone {
		err := fc.UpdateSmartGroup(ctx, incoming.FleetInstalledGroupID, fleet.SmartGroupSpec{
			Name:     incoming.ObjectName(models.SuffixInstalledGroup),
			Criteria: fleet.CriteriaFor(newReq, eaName),
		})
		if err != nil {
			return err
		}
	}

	scopeChanged := models.Changed(changes, "pilot_groups") ||
		models.Changed(changes, "release_groups") ||
		models.Changed(changes, "excluded_groups")
	ssvcChanged := models.Changed(changes, "self_service") ||
		models.Changed(changes, "self_service_category") ||
		incoming.SelfServiceIconID != stored.SelfServiceIconID

	if models.Changed(changes, "self_service_category") && incoming.SelfServiceCategory != "" {
		if _, err := fc.EnsureCategory(ctx, incoming.SelfServiceCategory); err != nil {
			return err
		}
	}

	if scopeChanged || ssvcChanged {
		if err := m.updateTitlePolicy(ctx, fc, incoming); err != nil {
			return err
		}
		if err := m.applyScopesToVersions(ctx, fc, incoming); err != nil {
			return err
		}
	}

	if models.Changed(changes, "uninstall_script") {
		if err := m.syncUninstallPolicy(ctx, fc, incoming); err != nil {
			return err
		}
	}
	if models.Changed(changes, "expiration_days") {
		if err := m.syncExpirePolicy(ctx, fc, incoming); err != nil {
			return err
		}
	}
	return nil
}

// updateTitlePolicy rewrites the latest-release install policy to match the
// title's scoping and self-service configuration.
func (m *Manager) updateTitlePolicy(ctx context.Context, fc fleet.Client, t *models.Title) error {
	if t.FleetManualPolicyID == "" {
		return nil
	}
	pol, err := fc.GetPolicy(ctx, t.FleetManualPolicyID)
	if err != nil {
		return err
	}
	spec := pol.PolicySpec
	spec.Scope = fleet.Scope{AllTargets: true, Exclusions: exclusionsFor(t)}
	spec.SelfService = t.SelfService
	spec.SelfServiceCategory = t.SelfServiceCategory
	spec.SelfServiceIconID = t.SelfServiceIconID
	return fc.UpdatePolicy(ctx, t.FleetManualPolicyID, spec)
}

// applyScopesToVersions pushes the title's group configuration down to every
// version's fleet policies.
func (m *Manager) applyScopesToVersions(ctx context.Context, fc fleet.Client, t *models.Title) error {
	for _, name := range t.VersionOrder {
		v, err := m.store.LoadVersion(ctx, t.Name, name)
		if err != nil {
			return err
		}
		if err := m.applyVersionScopes(ctx, fc, t, v); err != nil {
			return fmt.Errorf("failed to rescope version %s: %w", name, err)
		}
	}
	return nil
}

// applyVersionScopes rewrites one version's policy scopes from the current
// title and version configuration.
func (m *Manager) applyVersionScopes(ctx context.Context, fc fleet.Client, t *models.Title, v *models.Version) error {
	exclusions := exclusionsFor(t)

	if v.FleetManualPolicyID != "" {
		pol, err := fc.GetPolicy(ctx, v.FleetManualPolicyID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.Scope = fleet.Scope{AllTargets: true, Exclusions: exclusions}
		if err := fc.UpdatePolicy(ctx, v.FleetManualPolicyID, spec); err != nil {
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
		if err := fc.UpdatePolicy(ctx, v.FleetAutoPolicyID, spec); err != nil {
			return err
		}
	}

	if v.FleetPatchPolicyID != "" {
		scope := patchPolicyScope(t, v)
		err := fc.UpdatePatchPolicy(ctx, v.FleetPatchPolicyID, fleet.PatchPolicySpec{
			TitleSlug:   t.Name,
			Version:     v.Version,
			PackageID:   v.FleetPackageID,
			Scope:       scope,
			SelfService: v.State == models.StateReleased && t.SelfService,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// autoInstallScope targets the version's pilot groups and excludes the
// excluded groups, the frozen group, and clients that already have the title
// installed. An empty pilot list removes all targets rather than meaning
// "all computers".
func autoInstallScope(t *models.Title, v *models.Version) fleet.Scope {
	return fleet.Scope{
		Targets: v.EffectivePilotGroups(t),
		Exclusions: append(exclusionsFor(t),
			t.ObjectName(models.SuffixInstalledGroup)),
	}
}

// patchPolicyScope scopes a patch policy: release groups for the released
// version (all targets when none configured), pilot groups otherwise.
func patchPolicyScope(t *models.Title, v *models.Version) fleet.Scope {
	if v.State == models.StateReleased {
		if len(t.ReleaseGroups) == 0 {
			return fleet.Scope{AllTargets: true, Exclusions: exclusionsFor(t)}
		}
		return fleet.Scope{Targets: t.ReleaseGroups, Exclusions: exclusionsFor(t)}
	}
	return fleet.Scope{Targets: v.EffectivePilotGroups(t), Exclusions: exclusionsFor(t)}
}

// syncUninstallPolicy creates, rewrites, or removes the uninstall policy to
// match the title's uninstall script.
func (m *Manager) syncUninstallPolicy(ctx context.Context, fc fleet.Client, t *models.Title) error {
	switch {
	case t.UninstallScript == "" && t.FleetUninstallID != "":
		if err := fc.DeletePolicy(ctx, t.FleetUninstallID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		t.FleetUninstallID = ""
	case t.UninstallScript != "" && t.FleetUninstallID == "":
		id, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
			Name:    t.ObjectName(models.SuffixUninstall),
			Kind:    fleet.PolicyUninstall,
			Scope:   fleet.Scope{Targets: []string{t.ObjectName(models.SuffixInstalledGroup)}},
			Script:  t.UninstallScript,
			Enabled: true,
		})
		if err != nil {
			return err
		}
		t.FleetUninstallID = id
	case t.UninstallScript != "":
		pol, err := fc.GetPolicy(ctx, t.FleetUninstallID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.Script = t.UninstallScript
		return fc.UpdatePolicy(ctx, t.FleetUninstallID, spec)
	}
	return nil
}

// syncExpirePolicy creates, rewrites, or removes the expire policy to match
// the title's expiration configuration.
func (m *Manager) syncExpirePolicy(ctx context.Context, fc fleet.Client, t *models.Title) error {
	switch {
	case t.ExpirationDays <= 0 && t.FleetExpireID != "":
		if err := fc.DeletePolicy(ctx, t.FleetExpireID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		t.FleetExpireID = ""
	case t.ExpirationDays > 0 && t.FleetExpireID == "":
		id, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
			Name:    t.ObjectName(models.SuffixExpire),
			Kind:    fleet.PolicyExpire,
			Scope:   fleet.Scope{Targets: []string{t.ObjectName(models.SuffixInstalledGroup)}},
			Script:  expireScript(t),
			Enabled: true,
		})
		if err != nil {
			return err
		}
		t.FleetExpireID = id
	case t.ExpirationDays > 0:
		pol, err := fc.GetPolicy(ctx, t.FleetExpireID)
		if err != nil {
			return err
		}
		spec := pol.PolicySpec
		spec.Script = expireScript(t)
		return fc.UpdatePolicy(ctx, t.FleetExpireID, spec)
	}
	return nil
}

// DeleteTitle tears a title down: versions are cascade-deleted from oldest
// to newest so the external systems never observe a rollback to an older
// current version, then the catalog title and fleet side objects are
// removed, and finally the changelog is archived and the directory deleted.
func (m *Manager) DeleteTitle(ctx context.Context, actor Actor, slug string, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-delete", start, err) }()

	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			m.failMarker(ctx, actor, slug, "", "DELETE", err)
		}
	}()

	// Oldest first: VersionOrder is newest-first, so iterate backwards.
	for i := len(t.VersionOrder) - 1; i >= 0; i-- {
		name := t.VersionOrder[i]
		step(tracker, "deleting version %s", name)
		if err = m.deleteVersionUnderTitleLock(ctx, actor, t, name); err != nil {
			return err
		}
	}

	step(tracker, "deleting catalog title %s", slug)
	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	if err = cc.DeleteTitle(ctx, slug); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		m.closeClient(cc, "catalog")
		return err
	}
	m.closeClient(cc, "catalog")
	err = nil

	step(tracker, "deleting fleet objects for %s", slug)
	if err = m.deleteFleetTitleObjects(ctx, t); err != nil {
		return err
	}

	step(tracker, "archiving changelog for %s", slug)
	if err = m.changelog.Finalize(ctx, slug, m.logEntry(actor, "", "Title Deleted")); err != nil {
		return err
	}
	if err = m.store.DeleteTitle(ctx, slug); err != nil {
		return err
	}

	m.logger.Info("title deleted", zap.String("title", slug), zap.String("admin", actor.Admin))
	m.rebuildClientData(ctx)
	return nil
}

func (m *Manager) deleteFleetTitleObjects(ctx context.Context, t *models.Title) error {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	if err := fc.DeactivatePatchTitle(ctx, t.Name); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return err
	}
	for _, id := range []string{t.FleetManualPolicyID, t.FleetUninstallID, t.FleetExpireID} {
		if id == "" {
			continue
		}
		if err := fc.DeletePolicy(ctx, id); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}
	for _, id := range []string{t.FleetInstalledGroupID, t.FleetFrozenGroupID} {
		if id == "" {
			continue
		}
		if err := fc.DeleteGroup(ctx, id); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}
	if t.FleetEAID != "" {
		if err := fc.DeleteEA(ctx, t.ObjectName(models.SuffixEA)); err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
	}
	return nil
}

// FreezeTitle adds computers to the title's frozen group, excluding them
// from every policy of the title until thawed.
func (m *Manager) FreezeTitle(ctx context.Context, actor Actor, slug string, computers []string) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-freeze", start, err) }()
	return m.setFrozen(ctx, actor, slug, computers, true)
}

// ThawTitle removes computers from the frozen group. An empty list thaws
// every frozen computer.
func (m *Manager) ThawTitle(ctx context.Context, actor Actor, slug string, computers []string) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-thaw", start, err) }()
	return m.setFrozen(ctx, actor, slug, computers, false)
}

func (m *Manager) setFrozen(ctx context.Context, actor Actor, slug string, computers []string, freeze bool) error {
	if err := m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}
	if t.FleetFrozenGroupID == "" {
		return fmt.Errorf("%w: title %s has no frozen group", fleet.ErrNotFound, slug)
	}

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	members, err := fc.GetStaticGroupMembers(ctx, t.FleetFrozenGroupID)
	if err != nil {
		return err
	}

	var updated []string
	var message string
	if freeze {
		updated = mergeMembers(members, computers)
		message = fmt.Sprintf("Froze %d computer(s)", len(computers))
	} else if len(computers) == 0 {
		updated = nil
		message = "Thawed all computers"
	} else {
		updated = removeMembers(members, computers)
		message = fmt.Sprintf("Thawed %d computer(s)", len(computers))
	}

	if err := fc.SetStaticGroupMembers(ctx, t.FleetFrozenGroupID, updated); err != nil {
		return err
	}
	return m.changelog.Append(ctx, slug, m.logEntry(actor, "", message))
}

func mergeMembers(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, lists := range [][]string{existing, added} {
		for _, member := range lists {
			if !seen[member] {
				seen[member] = true
				out = append(out, member)
			}
		}
	}
	return out
}

func removeMembers(existing, removed []string) []string {
	drop := make(map[string]bool, len(removed))
	for _, member := range removed {
		drop[member] = true
	}
	out := make([]string, 0, len(existing))
	for _, member := range existing {
		if !drop[member] {
			out = append(out, member)
		}
	}
	return out
}

// RepairTitle recreates any missing catalog and fleet side objects of a
// title, re-recording their identifiers. Used after an external system lost
// state or a past workflow failed partway.
func (m *Manager) RepairTitle(ctx context.Context, actor Actor, slug string, tracker *progress.Tracker) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-repair", start, err) }()

	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}
	req, err := t.Requirement()
	if err != nil {
		return err
	}

	repaired := 0

	step(tracker, "checking catalog title %s", slug)
	cc, err := m.openCatalog(ctx)
	if err != nil {
		return err
	}
	exists, err := cc.TitleExists(ctx, slug)
	if err != nil {
		m.closeClient(cc, "catalog")
		return err
	}
	if !exists {
		if err = m.createCatalogTitleWith(ctx, cc, t, req); err != nil {
			m.closeClient(cc, "catalog")
			return err
		}
		repaired++
	}
	m.closeClient(cc, "catalog")

	step(tracker, "checking fleet objects for %s", slug)
	n, err := m.repairFleetObjects(ctx, t, req)
	if err != nil {
		return err
	}
	repaired += n

	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}
	if repaired > 0 {
		entry := m.logEntry(actor, "", fmt.Sprintf("Title Repaired (%d object(s) recreated)", repaired))
		if err = m.changelog.Append(ctx, slug, entry); err != nil {
			return err
		}
	}

	m.logger.Info("title repair finished", zap.String("title", slug), zap.Int("repaired", repaired))
	return nil
}

func (m *Manager) createCatalogTitleWith(ctx context.Context, cc catalog.Client, t *models.Title, req models.Requirement) error {
	id, err := cc.CreateTitle(ctx, catalog.TitleSpec{
		Slug:        t.Name,
		DisplayName: t.DisplayName,
		Publisher:   t.Publisher,
		AppName:     t.AppName,
		BundleID:    t.AppBundleID,
	})
	if err != nil {
		return err
	}
	t.CatalogID = id
	return cc.SetRequirement(ctx, t.Name, req)
}

// repairFleetObjects recreates missing fleet groups and policies, returning
// how many were recreated.
func (m *Manager) repairFleetObjects(ctx context.Context, t *models.Title, req models.Requirement) (int, error) {
	fc, err := m.openFleet(ctx)
	if err != nil {
		return 0, err
	}
	defer m.closeClient(fc, "fleet")

	repaired := 0
	eaName := t.ObjectName(models.SuffixEA)

	if req.Kind == models.RequirementScript && t.FleetEAID == "" {
		id, err := fc.UpsertEA(ctx, eaName, req.Script.Source)
		if err != nil {
			return repaired, err
		}
		t.FleetEAID = id
		repaired++
	}

	if missing, err := policyMissing(ctx, fc, t.FleetInstalledGroupID); err != nil {
		return repaired, err
	} else if missing {
		id, err := fc.CreateSmartGroup(ctx, fleet.SmartGroupSpec{
			Name:     t.ObjectName(models.SuffixInstalledGroup),
			Criteria: fleet.CriteriaFor(req, eaName),
		})
		if err != nil {
			return repaired, err
		}
		t.FleetInstalledGroupID = id
		repaired++
	}

	if t.FleetFrozenGroupID == "" {
		id, err := fc.CreateStaticGroup(ctx, t.ObjectName(models.SuffixFrozenGroup), nil)
		if err != nil {
			return repaired, err
		}
		t.FleetFrozenGroupID = id
		repaired++
	} else if _, err := fc.GetStaticGroupMembers(ctx, t.FleetFrozenGroupID); errors.Is(err, fleet.ErrNotFound) {
		id, err := fc.CreateStaticGroup(ctx, t.ObjectName(models.SuffixFrozenGroup), nil)
		if err != nil {
			return repaired, err
		}
		t.FleetFrozenGroupID = id
		repaired++
	} else if err != nil {
		return repaired, err
	}

	if missing, err := fleetPolicyMissing(ctx, fc, t.FleetManualPolicyID); err != nil {
		return repaired, err
	} else if missing {
		id, err := fc.CreatePolicy(ctx, fleet.PolicySpec{
			Name:                t.ObjectName(models.SuffixManualPolicy),
			Kind:                fleet.PolicyManualInstall,
			Scope:               fleet.Scope{AllTargets: true, Exclusions: exclusionsFor(t)},
			SelfService:         t.SelfService,
			SelfServiceCategory: t.SelfServiceCategory,
			SelfServiceIconID:   t.SelfServiceIconID,
			Enabled:             t.ReleasedVersion != "",
		})
		if err != nil {
			return repaired, err
		}
		t.FleetManualPolicyID = id
		repaired++
	}

	return repaired, nil
}

// policyMissing reports whether a smart group id is unset. Smart groups have
// no fetch operation in the client, so an empty id is the only signal.
func policyMissing(_ context.Context, _ fleet.Client, id string) (bool, error) {
	return id == "", nil
}

// fleetPolicyMissing reports whether a policy id is unset or the policy is
// gone upstream.
func fleetPolicyMissing(ctx context.Context, fc fleet.Client, id string) (bool, error) {
	if id == "" {
		return true, nil
	}
	_, err := fc.GetPolicy(ctx, id)
	if errors.Is(err, fleet.ErrNotFound) {
		return true, nil
	}
	return false, err
}

// SetIcon stores a new self-service icon for a title: persisted on disk,
// uploaded to the fleet, and applied to the latest-release install policy.
func (m *Manager) SetIcon(ctx context.Context, actor Actor, slug, ext string, data []byte) (err error) {
	start := m.now()
	defer func() { m.recordWorkflow("title-set-icon", start, err) }()

	if err = m.locks.AcquireTitle(ctx, slug); err != nil {
		return err
	}
	defer m.locks.ReleaseTitle(slug)

	t, err := m.store.LoadTitle(ctx, slug)
	if err != nil {
		return err
	}

	if err = m.store.SaveIcon(ctx, slug, ext, data); err != nil {
		return err
	}

	fc, err := m.openFleet(ctx)
	if err != nil {
		return err
	}
	defer m.closeClient(fc, "fleet")

	iconID, err := fc.UploadIcon(ctx, "self-service-icon"+ext, data)
	if err != nil {
		return err
	}
	t.SelfServiceIconID = iconID

	if err = m.updateTitlePolicy(ctx, fc, t); err != nil {
		return err
	}
	if err = m.store.SaveTitle(ctx, t); err != nil {
		return err
	}
	if err = m.changelog.Append(ctx, slug, m.logEntry(actor, "", "Self-service icon updated")); err != nil {
		return err
	}

	m.logger.Info("self-service icon updated", zap.String("title", slug), zap.String("admin", actor.Admin))
	return nil
}

// staleSince reports whether ts is at least the given number of days old.
func staleSince(now time.Time, ts time.Time, days int) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) >= time.Duration(days)*24*time.Hour
}
