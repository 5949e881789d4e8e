// Package mock provides an in-memory Patch Catalog implementation for
// development and tests. It records every mutation so tests can assert the
// exact catalog state a workflow left behind, and supports per-operation
// failure injection.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/xolo-io/xolo/internal/catalog"
	"github.com/xolo-io/xolo/internal/models"
)

// Title is the catalog-side state of one title.
type Title struct {
	ID          string
	Spec        catalog.TitleSpec
	Requirement models.Requirement
	Patches     map[string]*Patch
}

// Patch is the catalog-side state of one patch version.
type Patch struct {
	ID           string
	Attrs        catalog.PatchAttrs
	Component    models.Requirement
	MinOS, MaxOS string
	KillApps     []models.KillApp
	Enabled      bool
}

// Catalog is the in-memory mock. It implements both catalog.Factory and
// catalog.Client; Open returns the catalog itself.
type Catalog struct {
	mu     sync.Mutex
	titles map[string]*Title
	nextID int

	// Fail injects an error for the named operation ("CreateTitle",
	// "DeletePatch", ...). The injected error is returned on every call
	// until the entry is removed.
	Fail map[string]error

	// Calls records operation names in invocation order.
	Calls []string
}

// New creates an empty mock catalog.
func New() *Catalog {
	return &Catalog{
		titles: make(map[string]*Title),
		Fail:   make(map[string]error),
	}
}

// Open implements catalog.Factory.
func (c *Catalog) Open(_ context.Context) (catalog.Client, error) {
	if err := c.failure("Open"); err != nil {
		return nil, err
	}
	return c, nil
}

// Close implements catalog.Client.
func (c *Catalog) Close() error { return nil }

func (c *Catalog) failure(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, op)
	return c.Fail[op]
}

func (c *Catalog) id(prefix string) string {
	c.nextID++
	return fmt.Sprintf("%s-%d", prefix, c.nextID)
}

// Title returns the stored title state, or nil.
func (c *Catalog) Title(slug string) *Title {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.titles[slug]
}

func (c *Catalog) TitleExists(_ context.Context, slug string) (bool, error) {
	if err := c.failure("TitleExists"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.titles[slug]
	return ok, nil
}

func (c *Catalog) CreateTitle(_ context.Context, spec catalog.TitleSpec) (string, error) {
	if err := c.failure("CreateTitle"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.titles[spec.Slug]; ok {
		return "", fmt.Errorf("%w: title %s", catalog.ErrConflict, spec.Slug)
	}
	t := &Title{
		ID:      c.id("cat"),
		Spec:    spec,
		Patches: make(map[string]*Patch),
	}
	c.titles[spec.Slug] = t
	return t.ID, nil
}

func (c *Catalog) UpdateTitle(_ context.Context, slug string, patch catalog.TitlePatch) error {
	if err := c.failure("UpdateTitle"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.titles[slug]
	if !ok {
		return fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	if patch.DisplayName != nil {
		t.Spec.DisplayName = *patch.DisplayName
	}
	if patch.Publisher != nil {
		t.Spec.Publisher = *patch.Publisher
	}
	return nil
}

func (c *Catalog) DeleteTitle(_ context.Context, slug string) error {
	if err := c.failure("DeleteTitle"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.titles[slug]; !ok {
		return fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	delete(c.titles, slug)
	return nil
}

func (c *Catalog) SetRequirement(_ context.Context, slug string, req models.Requirement) error {
	if err := c.failure("SetRequirement"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.titles[slug]
	if !ok {
		return fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	t.Requirement = req
	return nil
}

func (c *Catalog) patch(slug, version string) (*Patch, error) {
	t, ok := c.titles[slug]
	if !ok {
		return nil, fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	p, ok := t.Patches[version]
	if !ok {
		return nil, fmt.Errorf("%w: patch %s %s", catalog.ErrNotFound, slug, version)
	}
	return p, nil
}

func (c *Catalog) CreatePatch(_ context.Context, slug, version string, attrs catalog.PatchAttrs) (string, error) {
	if err := c.failure("CreatePatch"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.titles[slug]
	if !ok {
		return "", fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	if _, ok := t.Patches[version]; ok {
		return "", fmt.Errorf("%w: patch %s %s", catalog.ErrConflict, slug, version)
	}
	p := &Patch{
		ID:       c.id("patch"),
		Attrs:    attrs,
		MinOS:    attrs.MinOS,
		MaxOS:    attrs.MaxOS,
		KillApps: attrs.KillApps,
	}
	t.Patches[version] = p
	return p.ID, nil
}

func (c *Catalog) UpdatePatch(_ context.Context, slug, version string, attrs catalog.PatchAttrs) error {
	if err := c.failure("UpdatePatch"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.patch(slug, version)
	if err != nil {
		return err
	}
	p.Attrs = attrs
	return nil
}

func (c *Catalog) EnablePatch(_ context.Context, slug, version string) error {
	if err := c.failure("EnablePatch"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.patch(slug, version)
	if err != nil {
		return err
	}
	p.Enabled = true
	return nil
}

func (c *Catalog) DeletePatch(_ context.Context, slug, version string) error {
	if err := c.failure("DeletePatch"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.titles[slug]
	if !ok {
		return fmt.Errorf("%w: title %s", catalog.ErrNotFound, slug)
	}
	if _, ok := t.Patches[version]; !ok {
		return fmt.Errorf("%w: patch %s %s", catalog.ErrNotFound, slug, version)
	}
	delete(t.Patches, version)
	return nil
}

func (c *Catalog) SetPatchComponent(_ context.Context, slug, version string, req models.Requirement) error {
	if err := c.failure("SetPatchComponent"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.patch(slug, version)
	if err != nil {
		return err
	}
	p.Component = req
	return nil
}

func (c *Catalog) SetPatchCapabilities(_ context.Context, slug, version, minOS, maxOS string) error {
	if err := c.failure("SetPatchCapabilities"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.patch(slug, version)
	if err != nil {
		return err
	}
	p.MinOS, p.MaxOS = minOS, maxOS
	return nil
}

func (c *Catalog) SetPatchKillApps(_ context.Context, slug, version string, apps []models.KillApp) error {
	if err := c.failure("SetPatchKillApps"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.patch(slug, version)
	if err != nil {
		return err
	}
	p.KillApps = apps
	return nil
}
