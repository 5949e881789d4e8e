// Package clientdata builds the snapshot artifact consumed by endpoint
// agents: one JSON document describing every title and its versions. The
// builder runs after every committed mutation, serialised by its own mutex,
// and hands the artifact to an injected uploader before flushing the
// client-data deployment policy's run logs.
package clientdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/fleet"
	"github.com/xolo-io/xolo/internal/models"
	"github.com/xolo-io/xolo/internal/store"
)

// ArtifactName is the file name of the client-data document.
const ArtifactName = "client-data.json"

// Uploader ships the built artifact to the distribution point. The packaging
// and signing tooling lives behind this interface.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// ExecUploader runs an external tool with the artifact path as its only
// argument.
type ExecUploader struct {
	Tool   string
	Logger *zap.Logger
}

// Upload implements Uploader.
func (u ExecUploader) Upload(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, u.Tool, path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("upload tool failed: %w: %s", err, out)
	}
	if u.Logger != nil {
		u.Logger.Info("client data uploaded", zap.String("tool", u.Tool))
	}
	return nil
}

// Document is the artifact schema read by endpoint agents.
type Document struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Titles      map[string]TitleEntry `json:"titles"`
}

// TitleEntry is one title with its versions and the effective exclusion set
// (configured exclusions plus the frozen group, which clients must always
// honor).
type TitleEntry struct {
	models.Title
	Versions       []*models.Version `json:"versions"`
	ExcludedGroups []string          `json:"excluded_groups"`
}

// Options bundles the collaborators of a Builder.
type Options struct {
	Store    store.Store
	Fleet    fleet.Factory
	Uploader Uploader
	Logger   *zap.Logger

	// Dir is where the artifact is written.
	Dir string

	// PolicyID is the fleet client-data deployment policy whose run logs are
	// flushed after a rebuild. Empty skips the flush.
	PolicyID string

	// DeveloperMode skips the rebuild entirely.
	DeveloperMode bool
}

// Builder implements the lifecycle manager's Rebuilder.
type Builder struct {
	store         store.Store
	fleet         fleet.Factory
	uploader      Uploader
	logger        *zap.Logger
	dir           string
	policyID      string
	developerMode bool

	// mu excludes concurrent snapshots.
	mu sync.Mutex
}

// NewBuilder creates a client-data builder.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Builder{
		store:         opts.Store,
		fleet:         opts.Fleet,
		uploader:      opts.Uploader,
		logger:        opts.Logger,
		dir:           opts.Dir,
		policyID:      opts.PolicyID,
		developerMode: opts.DeveloperMode,
	}, nil
}

// Rebuild snapshots every title and its versions, writes the artifact, hands
// it to the uploader, and flushes the deployment policy logs.
func (b *Builder) Rebuild(ctx context.Context) error {
	if b.developerMode {
		b.logger.Debug("developer mode, skipping client data rebuild")
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	doc, err := b.snapshot(ctx)
	if err != nil {
		return err
	}

	path, err := b.write(doc)
	if err != nil {
		return err
	}
	b.logger.Info("client data built",
		zap.Int("titles", len(doc.Titles)),
		zap.Duration("duration", time.Since(start)),
	)

	if b.uploader != nil {
		if err := b.uploader.Upload(ctx, path); err != nil {
			return fmt.Errorf("failed to upload client data: %w", err)
		}
	}
	return b.flushPolicyLogs(ctx)
}

// snapshot assembles the document from the store. Titles are read without
// entity locks: individual documents are atomic on disk, and a rebuild races
// at worst with a mutation that will itself trigger another rebuild.
func (b *Builder) snapshot(ctx context.Context) (*Document, error) {
	slugs, err := b.store.ListTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list titles: %w", err)
	}

	doc := &Document{
		GeneratedAt: time.Now().UTC(),
		Titles:      make(map[string]TitleEntry, len(slugs)),
	}
	for _, slug := range slugs {
		t, err := b.store.LoadTitle(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("failed to load title %s: %w", slug, err)
		}

		versions := make([]*models.Version, 0, len(t.VersionOrder))
		for _, ver := range t.VersionOrder {
			v, err := b.store.LoadVersion(ctx, slug, ver)
			if err != nil {
				return nil, fmt.Errorf("failed to load version %s of %s: %w", ver, slug, err)
			}
			versions = append(versions, v)
		}

		excluded := append([]string{}, t.ExcludedGroups...)
		excluded = append(excluded, t.ObjectName(models.SuffixFrozenGroup))

		doc.Titles[slug] = TitleEntry{
			Title:          *t,
			Versions:       versions,
			ExcludedGroups: excluded,
		}
	}
	return doc, nil
}

// write persists the document with an atomic rename so agents never read a
// partial artifact.
func (b *Builder) write(doc *Document) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal client data: %w", err)
	}

	path := filepath.Join(b.dir, ArtifactName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write client data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move client data into place: %w", err)
	}
	return path, nil
}

// flushPolicyLogs clears the deployment policy's run logs so every client
// re-fetches the artifact at next check-in.
func (b *Builder) flushPolicyLogs(ctx context.Context) error {
	if b.policyID == "" || b.fleet == nil {
		return nil
	}
	client, err := b.fleet.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open fleet connection: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.FlushPolicyLogs(ctx, b.policyID); err != nil {
		return fmt.Errorf("failed to flush client data policy logs: %w", err)
	}
	return nil
}
