package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/catalog"
	catalogmock "github.com/xolo-io/xolo/internal/catalog/mock"
	fleetmock "github.com/xolo-io/xolo/internal/fleet/mock"
	"github.com/xolo-io/xolo/internal/locks"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/store"
)

var testActor = Actor{Admin: "jappleseed", Host: "mdm01.example.com"}

// alertRecorder captures alerts for assertions.
type alertRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (a *alertRecorder) Alert(_ context.Context, subject, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *alertRecorder) Subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

type env struct {
	m      *Manager
	cat    *catalogmock.Catalog
	flt    *fleetmock.Fleet
	alerts *alertRecorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()

	fs, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	cl, err := store.NewChangelog(fs, t.TempDir(), logger)
	require.NoError(t, err)

	cat := catalogmock.New()
	flt := fleetmock.New()
	alerts := &alertRecorder{}

	m, err := NewManager(Options{
		Store:     fs,
		Changelog: cl,
		Locks:     locks.NewManager(time.Minute, logger),
		Catalog:   cat,
		Fleet:     flt,
		Alerter:   alerts,
		Logger:    logger,
		Config: Config{
			PatchPollInterval: 5 * time.Millisecond,
			PatchPollTimeout:  2 * time.Second,
			EAPollInterval:    5 * time.Millisecond,
			EAPollTimeout:     2 * time.Second,
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, m.Registry().Wait(ctx))
	})

	return &env{m: m, cat: cat, flt: flt, alerts: alerts}
}

func appTitle() *models.Title {
	return &models.Title{
		Name:         "firefox",
		DisplayName:  "Mozilla Firefox",
		Publisher:    "Mozilla",
		AppName:      "Firefox.app",
		AppBundleID:  "org.mozilla.firefox",
		PilotGroups:  []string{"pilot-computers"},
		ContactEmail: "desktop@example.com",
	}
}

func scriptTitle() *models.Title {
	return &models.Title{
		Name:          "sophos",
		DisplayName:   "Sophos Endpoint",
		Publisher:     "Sophos",
		VersionScript: "#!/bin/sh\n/usr/local/bin/sophos --version\n",
		PilotGroups:   []string{"pilot-computers"},
	}
}

func pilotVersion(slug, ver string) *models.Version {
	return &models.Version{
		Title:   slug,
		Version: ver,
		MinOS:   "13.0",
	}
}

func (e *env) createTitle(t *testing.T, title *models.Title) *models.Title {
	t.Helper()
	require.NoError(t, e.m.CreateTitle(context.Background(), testActor, title, nil))
	return title
}

// createVersion creates a version with the patch already visible so the
// visibility watcher finishes immediately, and waits for the patch policy.
func (e *env) createVersion(t *testing.T, slug, ver string) *models.Version {
	t.Helper()
	ctx := context.Background()

	e.flt.MakePatchVersionVisible(slug, ver)
	require.NoError(t, e.m.CreateVersion(ctx, testActor, pilotVersion(slug, ver), nil))

	require.Eventually(t, func() bool {
		stored, err := e.m.store.LoadVersion(ctx, slug, ver)
		return err == nil && stored.FleetPatchPolicyID != ""
	}, 5*time.Second, 5*time.Millisecond, "patch policy was never created")

	stored, err := e.m.store.LoadVersion(ctx, slug, ver)
	require.NoError(t, err)
	return stored
}

func (e *env) loadTitle(t *testing.T, slug string) *models.Title {
	t.Helper()
	title, err := e.m.store.LoadTitle(context.Background(), slug)
	require.NoError(t, err)
	return title
}

func (e *env) loadVersion(t *testing.T, slug, ver string) *models.Version {
	t.Helper()
	v, err := e.m.store.LoadVersion(context.Background(), slug, ver)
	require.NoError(t, err)
	return v
}

func (e *env) changelog(t *testing.T, slug string) []models.ChangelogEntry {
	t.Helper()
	entries, err := e.m.changelog.Read(context.Background(), slug)
	require.NoError(t, err)
	return entries
}

func lastMessage(entries []models.ChangelogEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Message != "" {
			return entries[i].Message
		}
	}
	return ""
}

func TestCreateTitle(t *testing.T) {
	e := newEnv(t)
	title := e.createTitle(t, appTitle())

	assert.NotEmpty(t, title.CatalogID)
	assert.NotEmpty(t, title.FleetInstalledGroupID)
	assert.NotEmpty(t, title.FleetFrozenGroupID)
	assert.NotEmpty(t, title.FleetManualPolicyID)
	assert.Equal(t, testActor.Admin, title.CreatedBy)

	catTitle := e.cat.Title("firefox")
	require.NotNil(t, catTitle)
	assert.Equal(t, "Mozilla Firefox", catTitle.Spec.DisplayName)
	assert.Equal(t, models.RequirementApp, catTitle.Requirement.Kind)

	assert.Equal(t, "xolo-firefox-installed", e.flt.GroupNames[title.FleetInstalledGroupID])
	assert.Equal(t, "xolo-firefox-frozen", e.flt.GroupNames[title.FleetFrozenGroupID])

	// The latest-release policy starts disabled with no package.
	manual := e.flt.Policies[title.FleetManualPolicyID]
	require.NotNil(t, manual)
	assert.Equal(t, "xolo-firefox-manual-install", manual.Name)
	assert.False(t, manual.Enabled)
	assert.Empty(t, manual.PackageID)

	stored := e.loadTitle(t, "firefox")
	assert.Equal(t, title.CatalogID, stored.CatalogID)
	assert.Equal(t, "Title Created", lastMessage(e.changelog(t, "firefox")))
}

func TestCreateTitleScriptRequirement(t *testing.T) {
	e := newEnv(t)
	title := e.createTitle(t, scriptTitle())

	assert.NotEmpty(t, title.FleetEAID)
	assert.Contains(t, e.flt.EAs, "xolo-sophos-ea")

	src, err := e.m.store.ReadScript(context.Background(), "sophos", store.ScriptVersion)
	require.NoError(t, err)
	assert.Equal(t, title.VersionScript, src)
}

func TestCreateTitleDuplicate(t *testing.T) {
	e := newEnv(t)
	e.createTitle(t, appTitle())

	err := e.m.CreateTitle(context.Background(), testActor, appTitle(), nil)
	assert.ErrorIs(t, err, store.ErrTitleExists)
}

func TestCreateTitleValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.Title)
		wantErr error
	}{
		{
			name:    "bad slug",
			mutate:  func(title *models.Title) { title.Name = "Fire Fox!" },
			wantErr: models.ErrInvalidSlug,
		},
		{
			name: "both requirement mechanisms",
			mutate: func(title *models.Title) {
				title.VersionScript = "#!/bin/sh\ntrue\n"
			},
			wantErr: models.ErrAmbiguousRequirement,
		},
		{
			name: "no requirement mechanism",
			mutate: func(title *models.Title) {
				title.AppName, title.AppBundleID = "", ""
			},
			wantErr: models.ErrNoRequirement,
		},
		{
			name: "both uninstall mechanisms",
			mutate: func(title *models.Title) {
				title.UninstallScript = "#!/bin/sh\ntrue\n"
				title.UninstallIDs = []int{42}
			},
			wantErr: models.ErrAmbiguousUninstall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			title := appTitle()
			tt.mutate(title)

			err := e.m.CreateTitle(context.Background(), testActor, title, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateTitleCatalogFailure(t *testing.T) {
	e := newEnv(t)
	e.cat.Fail["CreateTitle"] = catalog.ErrUnavailable

	err := e.m.CreateTitle(context.Background(), testActor, appTitle(), nil)
	assert.ErrorIs(t, err, catalog.ErrUnavailable)

	// Nothing was persisted.
	exists, err := e.m.store.TitleExists(context.Background(), "firefox")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateTitle(t *testing.T) {
	e := newEnv(t)
	e.createTitle(t, appTitle())

	edit := appTitle()
	edit.Publisher = "Mozilla Foundation"
	edit.PilotGroups = []string{"pilot-computers", "it-staff"}
	require.NoError(t, e.m.UpdateTitle(context.Background(), testActor, edit, nil))

	stored := e.loadTitle(t, "firefox")
	assert.Equal(t, "Mozilla Foundation", stored.Publisher)
	assert.Equal(t, []string{"pilot-computers", "it-staff"}, stored.PilotGroups)

	assert.Equal(t, "Mozilla Foundation", e.cat.Title("firefox").Spec.Publisher)

	var attribs []string
	for _, entry := range e.changelog(t, "firefox") {
		if entry.Attrib != "" {
			attribs = append(attribs, entry.Attrib)
		}
	}
	assert.Contains(t, attribs, "publisher")
	assert.Contains(t, attribs, "pilot_groups")
}

func TestUpdateTitleNoChanges(t *testing.T) {
	e := newEnv(t)
	e.createTitle(t, appTitle())
	before := len(e.changelog(t, "firefox"))

	require.NoError(t, e.m.UpdateTitle(context.Background(), testActor, appTitle(), nil))

	assert.Len(t, e.changelog(t, "firefox"), before, "a no-op edit must not touch the changelog")
}

func TestUpdateTitleAppToScript(t *testing.T) {
	e := newEnv(t)
	e.createTitle(t, appTitle())
	e.createVersion(t, "firefox", "128.0")

	// Pre-mark the EA as quarantined so the acceptance watcher the update
	// starts finds work immediately.
	e.flt.SetAcceptancePending("firefox", true)

	edit := appTitle()
	edit.AppName, edit.AppBundleID = "", ""
	edit.VersionScript = "#!/bin/sh\necho 128.0\n"
	require.NoError(t, e.m.UpdateTitle(context.Background(), testActor, edit, nil))

	stored := e.loadTitle(t, "firefox")
	assert.NotEmpty(t, stored.FleetEAID)
	assert.Contains(t, e.flt.EAs, "xolo-firefox-ea")
	assert.Equal(t, models.RequirementScript, e.cat.Title("firefox").Requirement.Kind)

	// Existing patches follow the new requirement.
	assert.Equal(t, models.RequirementScript, e.cat.Title("firefox").Patches["128.0"].Component.Kind)

	// The acceptance watcher picks up the quarantined EA.
	require.Eventually(t, func() bool {
		pending, err := e.flt.EAAcceptancePending(context.Background(), "firefox")
		return err == nil && !pending
	}, 5*time.Second, 5*time.Millisecond, "extension attribute was never accepted")
}

func TestDeleteTitleCascades(t *testing.T) {
	e := newEnv(t)
	e.createTitle(t, appTitle())
	e.createVersion(t, "firefox", "127.0")
	e.createVersion(t, "firefox", "128.0")

	require.NoError(t, e.m.DeleteTitle(context.Background(), testActor, "firefox", nil))

	exists, err := e.m.store.TitleExists(context.Background(), "firefox")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Nil(t, e.cat.Title("firefox"))
	assert.Empty(t, e.flt.Policies)
	assert.Empty(t, e.flt.Packages)
	assert.Empty(t, e.flt.SmartGroups)
	assert.Empty(t, e.flt.StaticGroups)
	assert.Empty(t, e.flt.PatchPolicies)
	assert.NotContains(t, e.flt.PatchTitles, "firefox")
}

func TestDeleteTitleUnknown(t *testing.T) {
	e := newEnv(t)
	err := e.m.DeleteTitle(context.Background(), testActor, "ghost", nil)
	assert.ErrorIs(t, err, store.ErrTitleNotFound)
}

func TestFreezeAndThaw(t *testing.T) {
	e := newEnv(t)
	title := e.createTitle(t, appTitle())
	ctx := context.Background()

	require.NoError(t, e.m.FreezeTitle(ctx, testActor, "firefox", []string{"mac-001", "mac-002"}))
	assert.ElementsMatch(t, []string{"mac-001", "mac-002"}, e.flt.StaticGroups[title.FleetFrozenGroupID])

	// Freezing again merges, it does not duplicate.
	require.NoError(t, e.m.FreezeTitle(ctx, testActor, "firefox", []string{"mac-002", "mac-003"}))
	assert.ElementsMatch(t, []string{"mac-001", "mac-002", "mac-003"}, e.flt.StaticGroups[title.FleetFrozenGroupID])

	require.NoError(t, e.m.ThawTitle(ctx, testActor, "firefox", []string{"mac-001"}))
	assert.ElementsMatch(t, []string{"mac-002", "mac-003"}, e.flt.StaticGroups[title.FleetFrozenGroupID])

	// An empty list thaws everything.
	require.NoError(t, e.m.ThawTitle(ctx, testActor, "firefox", nil))
	assert.Empty(t, e.flt.StaticGroups[title.FleetFrozenGroupID])
}

func TestRepairTitle(t *testing.T) {
	e := newEnv(t)
	title := e.createTitle(t, appTitle())
	ctx := context.Background()

	// Simulate external loss of the catalog title and the manual policy.
	require.NoError(t, e.cat.DeleteTitle(ctx, "firefox"))
	require.NoError(t, e.flt.DeletePolicy(ctx, title.FleetManualPolicyID))

	require.NoError(t, e.m.RepairTitle(ctx, testActor, "firefox", nil))

	require.NotNil(t, e.cat.Title("firefox"))
	stored := e.loadTitle(t, "firefox")
	assert.NotEqual(t, title.FleetManualPolicyID, stored.FleetManualPolicyID)
	assert.Contains(t, e.flt.Policies, stored.FleetManualPolicyID)
	assert.Contains(t, lastMessage(e.changelog(t, "firefox")), "Title Repaired")
}
