package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTitle() *Title {
	return &Title{
		Name:        "firefox",
		DisplayName: "Mozilla Firefox",
		Publisher:   "Mozilla",
		AppName:     "Firefox.app",
		AppBundleID: "org.mozilla.firefox",
	}
}

func TestValidSlug(t *testing.T) {
	tests := []struct {
		slug string
		want bool
	}{
		{"firefox", true},
		{"google-chrome", true},
		{"lib_office.7", true},
		{"", false},
		{".hidden", false},
		{"Firefox", false},
		{"fire fox", false},
		{"fire/fox", false},
		{"fire;fox", false},
	}
	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSlug(tt.slug))
		})
	}
}

func TestValidVersion(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"128.0", true},
		{"2024.1b3", true},
		{"10.5 (3456)", true},
		{"", false},
		{".128", false},
		{"128/0", false},
		{`128\0`, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidVersion(tt.version))
		})
	}
}

func TestTitleValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Title)
		wantErr error
	}{
		{"valid", func(*Title) {}, nil},
		{"bad slug", func(title *Title) { title.Name = "Fire Fox" }, ErrInvalidSlug},
		{"no requirement", func(title *Title) { title.AppName, title.AppBundleID = "", "" }, ErrNoRequirement},
		{"both requirements", func(title *Title) { title.VersionScript = "#!/bin/sh\n" }, ErrAmbiguousRequirement},
		{"both uninstalls", func(title *Title) {
			title.UninstallScript = "#!/bin/sh\n"
			title.UninstallIDs = []int{7}
		}, ErrAmbiguousUninstall},
		{"released version not listed", func(title *Title) {
			title.ReleasedVersion = "99.0"
		}, ErrReleasedVersionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title := validTitle()
			tt.mutate(title)
			err := title.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestVersionOrder(t *testing.T) {
	title := validTitle()
	title.AddVersion("127.0")
	title.AddVersion("128.0")

	// Newest first.
	assert.Equal(t, []string{"128.0", "127.0"}, title.VersionOrder)
	assert.True(t, title.HasVersion("127.0"))
	assert.False(t, title.HasVersion("129.0"))

	title.RemoveVersion("127.0")
	assert.Equal(t, []string{"128.0"}, title.VersionOrder)

	// Removing an absent version is a no-op.
	title.RemoveVersion("ghost")
	assert.Equal(t, []string{"128.0"}, title.VersionOrder)
}

func TestObjectName(t *testing.T) {
	title := validTitle()
	assert.Equal(t, "xolo-firefox-installed", title.ObjectName(SuffixInstalledGroup))
	assert.Equal(t, "xolo-firefox-frozen", title.ObjectName(SuffixFrozenGroup))
	assert.Equal(t, "xolo-firefox-ea", title.ObjectName(SuffixEA))
}

func TestKillApp(t *testing.T) {
	k := KillApp{Name: "Firefox", BundleID: "org.mozilla.firefox"}
	assert.Equal(t, "Firefox;org.mozilla.firefox", k.String())

	parsed, err := ParseKillApp("Firefox;org.mozilla.firefox")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseKillApp("Firefox")
	assert.Error(t, err)
	_, err = ParseKillApp(";org.mozilla.firefox")
	assert.Error(t, err)
}

func TestVersionValidate(t *testing.T) {
	valid := Version{Title: "firefox", Version: "128.0", MinOS: "13.0", State: StatePilot}
	assert.NoError(t, valid.Validate())

	noMinOS := valid
	noMinOS.MinOS = ""
	assert.ErrorIs(t, noMinOS.Validate(), ErrMissingMinOS)

	badState := valid
	badState.State = "limbo"
	assert.Error(t, badState.Validate())

	badVersion := valid
	badVersion.Version = "128/0"
	assert.ErrorIs(t, badVersion.Validate(), ErrInvalidVersion)
}

func TestEffectivePilotGroups(t *testing.T) {
	title := validTitle()
	title.PilotGroups = []string{"pilot-computers"}

	v := Version{Title: "firefox", Version: "128.0"}
	assert.Equal(t, []string{"pilot-computers"}, v.EffectivePilotGroups(title))

	v.PilotGroups = []string{"it-staff"}
	assert.Equal(t, []string{"it-staff"}, v.EffectivePilotGroups(title))
}

func TestRequirement(t *testing.T) {
	title := validTitle()
	req, err := title.Requirement()
	require.NoError(t, err)
	assert.Equal(t, RequirementApp, req.Kind)
	assert.Equal(t, AppRequirement{Name: "Firefox.app", BundleID: "org.mozilla.firefox"}, req.App)

	title.AppName, title.AppBundleID = "", ""
	title.VersionScript = "#!/bin/sh\ntrue\n"
	req, err = title.Requirement()
	require.NoError(t, err)
	assert.Equal(t, RequirementScript, req.Kind)
	assert.Equal(t, "#!/bin/sh\ntrue\n", req.Script.Source)
}

func TestClassifyRequirementTransition(t *testing.T) {
	app := Requirement{Kind: RequirementApp, App: AppRequirement{Name: "Firefox.app", BundleID: "org.mozilla.firefox"}}
	app2 := Requirement{Kind: RequirementApp, App: AppRequirement{Name: "Firefox.app", BundleID: "org.mozilla.firefoxdeveloperedition"}}
	script := Requirement{Kind: RequirementScript, Script: ScriptRequirement{Source: "a"}}
	script2 := Requirement{Kind: RequirementScript, Script: ScriptRequirement{Source: "b"}}

	tests := []struct {
		name     string
		old, new Requirement
		want     RequirementTransition
	}{
		{"no change", app, app, TransitionNone},
		{"app to script", app, script, TransitionAppToScript},
		{"script to app", script, app, TransitionScriptToApp},
		{"app edit", app, app2, TransitionUpdateApp},
		{"script edit", script, script2, TransitionUpdateScript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRequirementTransition(tt.old, tt.new))
		})
	}
}

func TestDiffTitles(t *testing.T) {
	stored := validTitle()
	stored.PilotGroups = []string{"a", "b"}

	incoming := validTitle()
	incoming.Publisher = "Mozilla Foundation"
	incoming.PilotGroups = []string{"b", "a"}

	changes := DiffTitles(stored, incoming)
	assert.True(t, Changed(changes, "publisher"))

	// Reordering a slice attribute is not a change.
	assert.False(t, Changed(changes, "pilot_groups"))

	incoming.PilotGroups = []string{"a", "c"}
	changes = DiffTitles(stored, incoming)
	assert.True(t, Changed(changes, "pilot_groups"))
}

func TestDiffTitlesUntaggedFieldsIgnored(t *testing.T) {
	stored := validTitle()
	incoming := validTitle()
	incoming.CatalogID = "cat-99"
	incoming.VersionOrder = []string{"128.0"}

	assert.Empty(t, DiffTitles(stored, incoming))
}

func TestDiffVersions(t *testing.T) {
	stored := &Version{Title: "firefox", Version: "128.0", MinOS: "13.0"}
	incoming := &Version{Title: "firefox", Version: "128.0", MinOS: "14.0", Reboot: true}

	changes := DiffVersions(stored, incoming)
	assert.True(t, Changed(changes, "min_os"))
	assert.True(t, Changed(changes, "reboot"))
	assert.False(t, Changed(changes, "max_os"))
}
