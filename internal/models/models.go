// Package models defines the core Xolo entities: titles, versions, their
// release lifecycle states, and the changelog record format. These types are
// shared between the on-disk store, the lifecycle workflows, and the HTTP
// handlers.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// VersionState is the release lifecycle state of a version.
type VersionState string

// Version lifecycle states.
const (
	// StatePending is the state of a version that has been created but whose
	// fleet-side objects are not yet in place.
	StatePending VersionState = "pending"

	// StatePilot is the state of a version that is being piloted to the
	// pilot groups only.
	StatePilot VersionState = "pilot"

	// StateReleased is the state of the one version of a title that is
	// generally available. At most one version per title may be released.
	StateReleased VersionState = "released"

	// StateDeprecated is the state of a previously released version that has
	// been superseded.
	StateDeprecated VersionState = "deprecated"

	// StateSkipped is the state of a piloted version that was never released
	// because a newer version was released past it.
	StateSkipped VersionState = "skipped"
)

// Valid reports whether s is a known version state.
func (s VersionState) Valid() bool {
	switch s {
	case StatePending, StatePilot, StateReleased, StateDeprecated, StateSkipped:
		return true
	}
	return false
}

// Validation errors for titles and versions.
var (
	// ErrNoRequirement is returned when a title configures neither an
	// app-based nor a script-based version requirement.
	ErrNoRequirement = errors.New("title has no version requirement configured")

	// ErrAmbiguousRequirement is returned when a title configures both an
	// app-based and a script-based version requirement.
	ErrAmbiguousRequirement = errors.New("title configures both app and script requirements")

	// ErrAmbiguousUninstall is returned when a title configures both an
	// uninstall script and uninstall policy IDs.
	ErrAmbiguousUninstall = errors.New("title configures both uninstall script and uninstall IDs")

	// ErrInvalidSlug is returned when a title slug is empty or contains
	// characters that are not safe in object names and paths.
	ErrInvalidSlug = errors.New("invalid title slug")

	// ErrInvalidVersion is returned when a version string is empty or
	// contains path separators.
	ErrInvalidVersion = errors.New("invalid version string")

	// ErrMissingMinOS is returned when a version does not configure its
	// minimum supported OS.
	ErrMissingMinOS = errors.New("min_os is required")

	// ErrReleasedVersionUnknown is returned when a title's released_version
	// does not appear in its version order.
	ErrReleasedVersionUnknown = errors.New("released_version is not a member of the version list")
)

// ObjectPrefix is the fixed prefix used to name every catalog and fleet side
// object owned by a title. Object names are ObjectPrefix + slug + suffix.
const ObjectPrefix = "xolo-"

// Side-object name suffixes.
const (
	SuffixInstalledGroup = "-installed"
	SuffixFrozenGroup    = "-frozen"
	SuffixManualPolicy   = "-manual-install"
	SuffixAutoPolicy     = "-auto-install"
	SuffixUninstall      = "-uninstall"
	SuffixExpire         = "-expire"
	SuffixEA             = "-ea"
)

// KillApp identifies an application that must be quit before a patch is
// applied, as a display name plus bundle identifier.
type KillApp struct {
	Name     string `json:"name"`
	BundleID string `json:"bundle_id"`
}

// String renders the killapp in the "name;bundleID" wire form used by the
// Patch Catalog.
func (k KillApp) String() string {
	return k.Name + ";" + k.BundleID
}

// ParseKillApp parses a "name;bundleID" pair.
func ParseKillApp(s string) (KillApp, error) {
	name, bundle, ok := strings.Cut(s, ";")
	if !ok || name == "" || bundle == "" {
		return KillApp{}, fmt.Errorf("invalid killapp %q: want name;bundleID", s)
	}
	return KillApp{Name: name, BundleID: bundle}, nil
}

// Title is a logical software product managed by Xolo, identified by a short
// slug. It owns an ordered list of versions (newest first), an append-only
// changelog, and a set of uniquely named side objects in the Patch Catalog
// and Fleet Management systems.
type Title struct {
	// Name is the unique slug identifying the title.
	Name string `json:"title"`

	// DisplayName is the human-readable product name.
	DisplayName string `json:"display_name" changelog:"display_name"`

	// Publisher is the software vendor.
	Publisher string `json:"publisher" changelog:"publisher"`

	// AppName and AppBundleID configure app-based installed-version
	// detection. Mutually exclusive with VersionScript.
	AppName     string `json:"app_name,omitempty" changelog:"app_name"`
	AppBundleID string `json:"app_bundle_id,omitempty" changelog:"app_bundle_id"`

	// VersionScript is the source of the extension attribute script used for
	// script-based installed-version detection. Mutually exclusive with
	// AppName/AppBundleID.
	VersionScript string `json:"version_script,omitempty" changelog:"version_script"`

	// SelfService exposes the title's manual-install policy in self service.
	SelfService         bool   `json:"self_service" changelog:"self_service"`
	SelfServiceCategory string `json:"self_service_category,omitempty" changelog:"self_service_category"`
	SelfServiceIconID   string `json:"self_service_icon_id,omitempty"`

	// Description is shown in self service.
	Description string `json:"description,omitempty" changelog:"description"`

	// ContactEmail receives maintenance notifications for this title.
	ContactEmail string `json:"contact_email,omitempty" changelog:"contact_email"`

	// Scoping groups. PilotGroups receive unreleased versions, ReleaseGroups
	// scope the released version, ExcludedGroups are excluded from all
	// policies of this title.
	PilotGroups    []string `json:"pilot_groups,omitempty" changelog:"pilot_groups"`
	ReleaseGroups  []string `json:"release_groups,omitempty" changelog:"release_groups"`
	ExcludedGroups []string `json:"excluded_groups,omitempty" changelog:"excluded_groups"`

	// UninstallScript and UninstallIDs are mutually exclusive ways to remove
	// the title from a client.
	UninstallScript string `json:"uninstall_script,omitempty" changelog:"uninstall_script"`
	UninstallIDs    []int  `json:"uninstall_ids,omitempty" changelog:"uninstall_ids"`

	// ExpirationDays removes the title after this many days without use.
	// Zero disables expiration.
	ExpirationDays int `json:"expiration_days,omitempty" changelog:"expiration_days"`

	// ReleasedVersion is the version currently in the released state, if any.
	ReleasedVersion string `json:"released_version,omitempty"`

	// VersionOrder lists the title's versions newest first. The slice is the
	// authoritative ordering used by the release engine.
	VersionOrder []string `json:"version_order"`

	// Identifiers assigned by the external systems after first contact.
	CatalogID             string `json:"catalog_id,omitempty"`
	FleetInstalledGroupID string `json:"fleet_installed_group_id,omitempty"`
	FleetFrozenGroupID    string `json:"fleet_frozen_group_id,omitempty"`
	FleetManualPolicyID   string `json:"fleet_manual_policy_id,omitempty"`
	FleetUninstallID      string `json:"fleet_uninstall_id,omitempty"`
	FleetExpireID         string `json:"fleet_expire_id,omitempty"`
	FleetEAID             string `json:"fleet_ea_id,omitempty"`

	CreationDate time.Time `json:"creation_date"`
	CreatedBy    string    `json:"created_by"`
}

// Validate checks the title's structural invariants: a safe slug, exactly
// one requirement mechanism, at most one uninstall mechanism, and a
// released_version that is a member of the version order.
func (t *Title) Validate() error {
	if !ValidSlug(t.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, t.Name)
	}
	if _, err := t.Requirement(); err != nil {
		return err
	}
	if t.UninstallScript != "" && len(t.UninstallIDs) > 0 {
		return ErrAmbiguousUninstall
	}
	if t.ReleasedVersion != "" && !t.HasVersion(t.ReleasedVersion) {
		return fmt.Errorf("%w: %q", ErrReleasedVersionUnknown, t.ReleasedVersion)
	}
	return nil
}

// HasVersion reports whether v appears in the title's version order.
func (t *Title) HasVersion(v string) bool {
	for _, existing := range t.VersionOrder {
		if existing == v {
			return true
		}
	}
	return false
}

// AddVersion prepends v to the version order. Newest versions come first.
func (t *Title) AddVersion(v string) {
	t.VersionOrder = append([]string{v}, t.VersionOrder...)
}

// RemoveVersion removes v from the version order.
func (t *Title) RemoveVersion(v string) {
	kept := t.VersionOrder[:0]
	for _, existing := range t.VersionOrder {
		if existing != v {
			kept = append(kept, existing)
		}
	}
	t.VersionOrder = kept
}

// ObjectName returns the full side-object name for this title and suffix.
func (t *Title) ObjectName(suffix string) string {
	return ObjectPrefix + t.Name + suffix
}

// ValidSlug reports whether s is usable as a title slug: non-empty,
// lowercase alphanumerics plus dash/underscore/dot, not starting with a dot.
func ValidSlug(s string) bool {
	if s == "" || s[0] == '.' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// ValidVersion reports whether v is usable as a version identifier.
func ValidVersion(v string) bool {
	return v != "" && v[0] != '.' && !strings.ContainsAny(v, "/\\")
}

// Version is one release of a title, identified by the (title, version)
// pair. It carries its own installer metadata and lifecycle state.
type Version struct {
	// Title is the owning title's slug.
	Title string `json:"title"`

	// Version is the release identifier, unique within the title.
	Version string `json:"version"`

	// MinOS is the minimum supported client OS version. Required.
	MinOS string `json:"min_os" changelog:"min_os"`

	// MaxOS is the maximum supported client OS version, if bounded.
	MaxOS string `json:"max_os,omitempty" changelog:"max_os"`

	// Reboot indicates the installer requires a restart.
	Reboot bool `json:"reboot" changelog:"reboot"`

	// Standalone indicates a full installer rather than an update-only one.
	Standalone bool `json:"standalone" changelog:"standalone"`

	// PublishDate is the vendor's release date for this version.
	PublishDate time.Time `json:"publish_date"`

	// PilotGroups overrides the title's pilot groups for this version.
	PilotGroups []string `json:"pilot_groups,omitempty" changelog:"pilot_groups"`

	// KillApps lists applications that must quit before patching.
	KillApps []KillApp `json:"killapps,omitempty" changelog:"killapps"`

	// State is the release lifecycle state.
	State VersionState `json:"state"`

	CreationDate   time.Time `json:"creation_date"`
	CreatedBy      string    `json:"created_by"`
	ReleaseDate    time.Time `json:"release_date,omitzero"`
	DeprecatedDate time.Time `json:"deprecated_date,omitzero"`

	// Identifiers assigned by the external systems.
	CatalogPatchID       string `json:"catalog_patch_id,omitempty"`
	FleetPackageID       string `json:"fleet_package_id,omitempty"`
	FleetPackageFilename string `json:"fleet_package_filename,omitempty"`
	FleetManualPolicyID  string `json:"fleet_manual_policy_id,omitempty"`
	FleetAutoPolicyID    string `json:"fleet_auto_policy_id,omitempty"`
	FleetPatchPolicyID   string `json:"fleet_patch_policy_id,omitempty"`
}

// Validate checks the version's structural invariants.
func (v *Version) Validate() error {
	if !ValidSlug(v.Title) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, v.Title)
	}
	if !ValidVersion(v.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, v.Version)
	}
	if v.MinOS == "" {
		return ErrMissingMinOS
	}
	if !v.State.Valid() {
		return fmt.Errorf("unknown version state %q", v.State)
	}
	return nil
}

// EffectivePilotGroups returns the version's pilot group override, or the
// title's pilot groups when no override is set.
func (v *Version) EffectivePilotGroups(t *Title) []string {
	if len(v.PilotGroups) > 0 {
		return v.PilotGroups
	}
	return t.PilotGroups
}

// ChangelogEntry is one record of a title's append-only journal. Mutations
// append either a free-form message or an attribute change triple.
type ChangelogEntry struct {
	Time    time.Time `json:"time"`
	Admin   string    `json:"admin"`
	Host    string    `json:"host"`
	Version string    `json:"version,omitempty"`
	Message string    `json:"message,omitempty"`
	Attrib  string    `json:"attrib,omitempty"`
	Old     any       `json:"old,omitempty"`
	New     any       `json:"new,omitempty"`
}
