// Package catalog defines the narrow typed interface onto the upstream
// Patch Catalog service, which stores software titles and per-version patch
// metadata. Connections are request-scoped: a workflow opens a client
// through the Factory, uses it for the duration of the request, and closes
// it at request end.
package catalog

import (
	"context"
	"errors"

	"github.com/xolo-io/xolo/internal/models"
)

// Sentinel errors for catalog operations.
var (
	// ErrUnavailable is returned when the catalog is unreachable or
	// misbehaving.
	ErrUnavailable = errors.New("patch catalog unavailable")

	// ErrConflict is returned when an object already exists or the request
	// conflicts with catalog state.
	ErrConflict = errors.New("patch catalog conflict")

	// ErrNotFound is returned when a title or patch is absent upstream.
	ErrNotFound = errors.New("patch catalog object not found")
)

// TitleSpec describes a title to create in the catalog.
type TitleSpec struct {
	Slug        string
	DisplayName string
	Publisher   string
	AppName     string
	BundleID    string
}

// TitlePatch carries the updatable catalog title attributes. Nil fields are
// left unchanged.
type TitlePatch struct {
	DisplayName *string
	Publisher   *string
}

// PatchAttrs describes a patch version to create or update.
type PatchAttrs struct {
	MinOS       string
	MaxOS       string
	Reboot      bool
	Standalone  bool
	PublishDate string
	KillApps    []models.KillApp
}

// Factory opens request-scoped catalog clients.
type Factory interface {
	// Open establishes a connection to the catalog. The returned client must
	// be closed at request end.
	Open(ctx context.Context) (Client, error)
}

// Client is the per-request connection to the Patch Catalog. All operations
// may fail with ErrUnavailable, ErrConflict, or ErrNotFound.
type Client interface {
	// TitleExists reports whether the catalog knows the title.
	TitleExists(ctx context.Context, slug string) (bool, error)

	// CreateTitle creates the title and returns its catalog identifier.
	CreateTitle(ctx context.Context, spec TitleSpec) (string, error)

	// UpdateTitle applies the patch to the title.
	UpdateTitle(ctx context.Context, slug string, patch TitlePatch) error

	// DeleteTitle removes the title and all of its patches.
	DeleteTitle(ctx context.Context, slug string) error

	// SetRequirement installs the title's installed-version requirement,
	// dispatching on the requirement kind: app-based uses the app name and
	// bundle id, script-based registers the extension attribute source under
	// the title's EA key.
	SetRequirement(ctx context.Context, slug string, req models.Requirement) error

	// CreatePatch creates a patch version under the title and returns its
	// catalog identifier.
	CreatePatch(ctx context.Context, slug, version string, attrs PatchAttrs) (string, error)

	// UpdatePatch rewrites the patch attributes.
	UpdatePatch(ctx context.Context, slug, version string, attrs PatchAttrs) error

	// EnablePatch makes the patch visible to subscribers.
	EnablePatch(ctx context.Context, slug, version string) error

	// DeletePatch removes the patch version.
	DeletePatch(ctx context.Context, slug, version string) error

	// SetPatchComponent installs the patch's detection component, mirroring
	// the title's requirement kind.
	SetPatchComponent(ctx context.Context, slug, version string, req models.Requirement) error

	// SetPatchCapabilities sets the OS bounds. maxOS may be empty.
	SetPatchCapabilities(ctx context.Context, slug, version, minOS, maxOS string) error

	// SetPatchKillApps replaces the patch's killapps list.
	SetPatchKillApps(ctx context.Context, slug, version string, apps []models.KillApp) error

	// Close releases the connection. The client must not be used afterwards.
	Close() error
}
