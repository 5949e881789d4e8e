package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/models"
)

const changelogFileName = "changelog.jsonl"

// Changelog maintains the append-only newline-delimited JSON journal of each
// title. Every mutation first copies the current file to a backup path
// (overwritten on each write), then appends the new line, so the journal is
// always a strict extension of its prior content. Access is guarded by a
// per-title read/write lock; helpers that assume the lock is already held
// are unexported so the lock is only ever acquired once per call path.
type Changelog struct {
	store     *FileStore
	backupDir string
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewChangelog creates a changelog manager over the given file store.
// Backups of removed changelogs are kept under backupDir.
func NewChangelog(store *FileStore, backupDir string, logger *zap.Logger) (*Changelog, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if backupDir == "" {
		backupDir = filepath.Join(store.Root(), "changelog-backups")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create changelog backup directory: %w", err)
	}
	return &Changelog{
		store:     store,
		backupDir: backupDir,
		logger:    logger,
		locks:     make(map[string]*sync.RWMutex),
	}, nil
}

// titleLock returns the RW lock for a title, creating it on first use.
func (c *Changelog) titleLock(slug string) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[slug]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[slug] = l
	}
	return l
}

func (c *Changelog) path(slug string) string {
	return filepath.Join(c.store.TitleDir(slug), changelogFileName)
}

// backupPath is the rolling backup, overwritten on every mutation.
func (c *Changelog) backupPath(slug string) string {
	return filepath.Join(c.backupDir, slug+"."+changelogFileName)
}

// Append writes one entry to the title's journal, backing up the current
// file first.
func (c *Changelog) Append(_ context.Context, slug string, entry models.ChangelogEntry) error {
	l := c.titleLock(slug)
	l.Lock()
	defer l.Unlock()
	return c.appendLocked(slug, entry)
}

// AppendAll writes several entries under a single lock acquisition, with a
// single backup of the prior state.
func (c *Changelog) AppendAll(_ context.Context, slug string, entries []models.ChangelogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	l := c.titleLock(slug)
	l.Lock()
	defer l.Unlock()
	if err := c.backupLocked(slug, c.backupPath(slug)); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.writeLineLocked(slug, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Changelog) appendLocked(slug string, entry models.ChangelogEntry) error {
	if err := c.backupLocked(slug, c.backupPath(slug)); err != nil {
		return err
	}
	return c.writeLineLocked(slug, entry)
}

func (c *Changelog) writeLineLocked(slug string, entry models.ChangelogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal changelog entry: %w", err)
	}
	f, err := os.OpenFile(c.path(slug), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open changelog for %s: %w", slug, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append changelog for %s: %w", slug, err)
	}
	return nil
}

// backupLocked copies the current changelog to dst. A missing changelog is
// not an error: the first append of a fresh title has nothing to back up.
func (c *Changelog) backupLocked(slug, dst string) error {
	src, err := os.Open(c.path(slug))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open changelog for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create changelog backup: %w", err)
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to copy changelog backup: %w", err)
	}
	return nil
}

// Read parses the title's journal line by line under the read lock.
// A title without a changelog yields an empty slice.
func (c *Changelog) Read(_ context.Context, slug string) ([]models.ChangelogEntry, error) {
	l := c.titleLock(slug)
	l.RLock()
	defer l.RUnlock()

	f, err := os.Open(c.path(slug))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog for %s: %w", slug, err)
	}
	defer func() { _ = f.Close() }()

	var entries []models.ChangelogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.ChangelogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt changelog line for %s: %w", slug, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changelog for %s: %w", slug, err)
	}
	return entries, nil
}

// Finalize appends the final entry for a deleted title and moves the journal
// into the backup directory under a timestamped name. Called as the last
// step of title deletion, before the title directory is removed.
func (c *Changelog) Finalize(_ context.Context, slug string, entry models.ChangelogEntry) error {
	l := c.titleLock(slug)
	l.Lock()
	defer l.Unlock()

	if err := c.writeLineLocked(slug, entry); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	dst := filepath.Join(c.backupDir, fmt.Sprintf("%s.%s.%s", slug, stamp, changelogFileName))
	if err := os.Rename(c.path(slug), dst); err != nil {
		return fmt.Errorf("failed to archive changelog for %s: %w", slug, err)
	}

	// Drop the rolling backup; the timestamped archive supersedes it.
	if err := os.Remove(c.backupPath(slug)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove rolling changelog backup",
			zap.String("title", slug),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	delete(c.locks, slug)
	c.mu.Unlock()

	c.logger.Info("changelog archived",
		zap.String("title", slug),
		zap.String("backup", dst),
	)
	return nil
}
