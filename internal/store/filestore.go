package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/models"
)

const (
	titlesDirName   = "titles"
	versionsDirName = "versions"
	iconPrefix      = "self-service-icon"
	jsonIndent      = "  "
)

// FileStore is the on-disk Store implementation. Layout, rooted at the data
// directory:
//
//	titles/<title>/<title>.json
//	titles/<title>/versions/<version>.json
//	titles/<title>/changelog.jsonl
//	titles/<title>/version-script
//	titles/<title>/uninstall-script
//	titles/<title>/self-service-icon.<ext>
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dataDir, creating the titles
// directory if needed.
func NewFileStore(dataDir string, logger *zap.Logger) (*FileStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dataDir, titlesDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create titles directory: %w", err)
	}
	return &FileStore{root: dataDir, logger: logger}, nil
}

// Root returns the data directory the store is rooted at.
func (s *FileStore) Root() string {
	return s.root
}

// TitleDir returns the directory owned by the given title.
func (s *FileStore) TitleDir(slug string) string {
	return filepath.Join(s.root, titlesDirName, slug)
}

func (s *FileStore) titlePath(slug string) string {
	return filepath.Join(s.TitleDir(slug), slug+".json")
}

func (s *FileStore) versionPath(slug, version string) string {
	return filepath.Join(s.TitleDir(slug), versionsDirName, version+".json")
}

// ListTitles enumerates the subdirectories of titles/.
func (s *FileStore) ListTitles(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, titlesDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to read titles directory: %w", err)
	}
	slugs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			slugs = append(slugs, e.Name())
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

// TitleExists reports whether the title directory exists.
func (s *FileStore) TitleExists(_ context.Context, slug string) (bool, error) {
	info, err := os.Stat(s.TitleDir(slug))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat title directory: %w", err)
	}
	return info.IsDir(), nil
}

// LoadTitle reads and decodes the title document.
func (s *FileStore) LoadTitle(_ context.Context, slug string) (*models.Title, error) {
	data, err := os.ReadFile(s.titlePath(slug))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrTitleNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read title %s: %w", slug, err)
	}
	var t models.Title
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode title %s: %w", slug, err)
	}
	return &t, nil
}

// SaveTitle writes the title document with an atomic rename, creating the
// title and versions directories on first save.
func (s *FileStore) SaveTitle(_ context.Context, t *models.Title) error {
	if !models.ValidSlug(t.Name) {
		return fmt.Errorf("%w: %q", models.ErrInvalidSlug, t.Name)
	}
	if err := os.MkdirAll(filepath.Join(s.TitleDir(t.Name), versionsDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create title directory: %w", err)
	}
	if err := writeJSONAtomic(s.titlePath(t.Name), t); err != nil {
		return fmt.Errorf("failed to save title %s: %w", t.Name, err)
	}
	s.logger.Debug("title saved", zap.String("title", t.Name))
	return nil
}

// DeleteTitle removes the title directory and everything beneath it.
func (s *FileStore) DeleteTitle(ctx context.Context, slug string) error {
	exists, err := s.TitleExists(ctx, slug)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTitleNotFound, slug)
	}
	if err := os.RemoveAll(s.TitleDir(slug)); err != nil {
		return fmt.Errorf("failed to remove title directory: %w", err)
	}
	s.logger.Info("title directory removed", zap.String("title", slug))
	return nil
}

// ListVersions enumerates the version documents of a title.
func (s *FileStore) ListVersions(_ context.Context, slug string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.TitleDir(slug), versionsDirName))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrTitleNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read versions directory: %w", err)
	}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			versions = append(versions, name)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// LoadVersion reads and decodes a version document.
func (s *FileStore) LoadVersion(_ context.Context, slug, version string) (*models.Version, error) {
	data, err := os.ReadFile(s.versionPath(slug, version))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s %s", ErrVersionNotFound, slug, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version %s of %s: %w", version, slug, err)
	}
	var v models.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode version %s of %s: %w", version, slug, err)
	}
	return &v, nil
}

// SaveVersion writes a version document with an atomic rename.
func (s *FileStore) SaveVersion(_ context.Context, v *models.Version) error {
	if !models.ValidVersion(v.Version) {
		return fmt.Errorf("%w: %q", models.ErrInvalidVersion, v.Version)
	}
	dir := filepath.Join(s.TitleDir(v.Title), versionsDirName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrTitleNotFound, v.Title)
	}
	if err := writeJSONAtomic(s.versionPath(v.Title, v.Version), v); err != nil {
		return fmt.Errorf("failed to save version %s of %s: %w", v.Version, v.Title, err)
	}
	s.logger.Debug("version saved",
		zap.String("title", v.Title),
		zap.String("version", v.Version),
		zap.String("state", string(v.State)),
	)
	return nil
}

// DeleteVersion removes a version document.
func (s *FileStore) DeleteVersion(_ context.Context, slug, version string) error {
	err := os.Remove(s.versionPath(slug, version))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s %s", ErrVersionNotFound, slug, version)
	}
	if err != nil {
		return fmt.Errorf("failed to remove version %s of %s: %w", version, slug, err)
	}
	return nil
}

// WriteScript stores a per-title script file.
func (s *FileStore) WriteScript(_ context.Context, slug string, kind ScriptKind, source string) error {
	path := filepath.Join(s.TitleDir(slug), string(kind))
	if err := writeFileAtomic(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write %s for %s: %w", kind, slug, err)
	}
	return nil
}

// ReadScript reads a per-title script file.
func (s *FileStore) ReadScript(_ context.Context, slug string, kind ScriptKind) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.TitleDir(slug), string(kind)))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s for %s", ErrScriptNotFound, kind, slug)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s for %s: %w", kind, slug, err)
	}
	return string(data), nil
}

// RemoveScript deletes a per-title script file if present.
func (s *FileStore) RemoveScript(_ context.Context, slug string, kind ScriptKind) error {
	err := os.Remove(filepath.Join(s.TitleDir(slug), string(kind)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s for %s: %w", kind, slug, err)
	}
	return nil
}

// SaveIcon persists the self-service icon, replacing any previous one. Icons
// are located by filename prefix, so stale icons with a different extension
// are removed first.
func (s *FileStore) SaveIcon(ctx context.Context, slug, ext string, data []byte) error {
	if old, err := s.LocateIcon(ctx, slug); err == nil {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove previous icon: %w", err)
		}
	}
	path := filepath.Join(s.TitleDir(slug), iconPrefix+ext)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save icon for %s: %w", slug, err)
	}
	return nil
}

// LocateIcon returns the path of the stored self-service icon.
func (s *FileStore) LocateIcon(_ context.Context, slug string) (string, error) {
	entries, err := os.ReadDir(s.TitleDir(slug))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrTitleNotFound, slug)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read title directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), iconPrefix) {
			return filepath.Join(s.TitleDir(slug), e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrIconNotFound, slug)
}

// writeJSONAtomic marshals v and writes it with an atomic rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", jsonIndent)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never see a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort removal if the rename never happened.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
