// Package store persists Xolo titles and versions on disk and maintains the
// per-title append-only changelog. All writes are atomic-rename so readers
// never observe a partially written JSON document.
package store

import (
	"context"
	"errors"

	"github.com/xolo-io/xolo/internal/models"
)

// Sentinel errors for store operations.
var (
	// ErrTitleNotFound is returned when a title does not exist on disk.
	ErrTitleNotFound = errors.New("title not found")

	// ErrTitleExists is returned when creating a title that already exists.
	ErrTitleExists = errors.New("title already exists")

	// ErrVersionNotFound is returned when a version does not exist on disk.
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionExists is returned when creating a duplicate version.
	ErrVersionExists = errors.New("version already exists")

	// ErrScriptNotFound is returned when a script file does not exist.
	ErrScriptNotFound = errors.New("script not found")

	// ErrIconNotFound is returned when no self-service icon is stored.
	ErrIconNotFound = errors.New("self-service icon not found")
)

// ScriptKind names the per-title script files the store manages.
type ScriptKind string

// Script file names under a title directory.
const (
	ScriptVersion   ScriptKind = "version-script"
	ScriptUninstall ScriptKind = "uninstall-script"
)

// Store defines persistence for titles and versions. Implementations must be
// safe for concurrent use; callers serialize mutations of a single title
// through the lock manager, so the store only guarantees that individual
// writes are atomic.
type Store interface {
	// ListTitles enumerates existing title slugs. The set of subdirectories
	// of the titles root is the authoritative list.
	ListTitles(ctx context.Context) ([]string, error)

	// LoadTitle reads a title document.
	// Returns ErrTitleNotFound if the title does not exist.
	LoadTitle(ctx context.Context, slug string) (*models.Title, error)

	// SaveTitle writes a title document, creating the title directory on
	// first save.
	SaveTitle(ctx context.Context, t *models.Title) error

	// DeleteTitle removes the title directory and everything beneath it.
	// Returns ErrTitleNotFound if the title does not exist.
	DeleteTitle(ctx context.Context, slug string) error

	// TitleExists reports whether the title directory exists.
	TitleExists(ctx context.Context, slug string) (bool, error)

	// ListVersions enumerates the stored version documents of a title.
	ListVersions(ctx context.Context, slug string) ([]string, error)

	// LoadVersion reads a version document.
	// Returns ErrVersionNotFound if the version does not exist.
	LoadVersion(ctx context.Context, slug, version string) (*models.Version, error)

	// SaveVersion writes a version document.
	SaveVersion(ctx context.Context, v *models.Version) error

	// DeleteVersion removes a version document.
	// Returns ErrVersionNotFound if the version does not exist.
	DeleteVersion(ctx context.Context, slug, version string) error

	// WriteScript stores a per-title script file.
	WriteScript(ctx context.Context, slug string, kind ScriptKind, source string) error

	// ReadScript reads a per-title script file.
	// Returns ErrScriptNotFound if no such script is stored.
	ReadScript(ctx context.Context, slug string, kind ScriptKind) (string, error)

	// RemoveScript deletes a per-title script file if present.
	RemoveScript(ctx context.Context, slug string, kind ScriptKind) error

	// SaveIcon persists the self-service icon, replacing any previous one.
	// ext is the filename extension including the dot.
	SaveIcon(ctx context.Context, slug, ext string, data []byte) error

	// LocateIcon returns the path of the stored self-service icon, located
	// by its fixed filename prefix.
	// Returns ErrIconNotFound if no icon is stored.
	LocateIcon(ctx context.Context, slug string) (string, error)
}
