// Package cache implements envy's process-shared, disk-backed,
// content-addressed store. Cross-process exclusion uses gofrs/flock
// advisory file locks.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"envy/internal/key"
)

// Paths is the set of stable directories and markers under one cache
// entry.
type Paths struct {
	Root    string
	Tmp     string
	Fetch   string
	Stage   string
	Install string
	Done    string // install.done marker
	Lock    string // .lock advisory lock file
}

// Cache is a content-addressed entry store rooted at a single directory.
type Cache struct {
	root string
}

// New returns a Cache rooted at root. root is created if absent.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root %s: %w", root, err)
	}
	return &Cache{root: root}, nil
}

// Paths returns the five stable paths for fp.
func (c *Cache) Paths(fp key.Fingerprint) Paths {
	entry := filepath.Join(c.root, "entries", string(fp))
	return Paths{
		Root:    entry,
		Tmp:     filepath.Join(entry, "tmp"),
		Fetch:   filepath.Join(entry, "fetch"),
		Stage:   filepath.Join(entry, "stage"),
		Install: filepath.Join(entry, "install"),
		Done:    filepath.Join(entry, "install.done"),
		Lock:    filepath.Join(entry, ".lock"),
	}
}

// ScopedLock is the held exclusive advisory lock on one cache entry. It
// must be released exactly once, by the task that acquired it, even on
// failure.
type ScopedLock struct {
	fp  key.Fingerprint
	flk *flock.Flock
}

// Fingerprint returns the entry this lock guards.
func (s *ScopedLock) Fingerprint() key.Fingerprint { return s.fp }

// Release drops the advisory lock. Safe to call once; calling it twice is
// a caller bug and returns an error rather than panicking, since release
// typically happens in a defer alongside error-path cleanup.
func (s *ScopedLock) Release() error {
	if s.flk == nil {
		return fmt.Errorf("cache: lock for %s already released", s.fp)
	}
	err := s.flk.Unlock()
	s.flk = nil
	return err
}

// Acquire blocks until an exclusive advisory lock on fp's entry is held by
// the caller, creating the entry's directory skeleton first so the lock
// file has somewhere to live. Release on drop.
func (c *Cache) Acquire(fp key.Fingerprint) (*ScopedLock, error) {
	paths := c.Paths(fp)
	if err := c.ensureDirs(paths); err != nil {
		return nil, err
	}
	flk := flock.New(paths.Lock)
	if err := flk.Lock(); err != nil {
		return nil, fmt.Errorf("cache: acquire lock for %s: %w", fp, err)
	}
	return &ScopedLock{fp: fp, flk: flk}, nil
}

func (c *Cache) ensureDirs(p Paths) error {
	for _, dir := range []string{p.Root, p.Tmp, p.Fetch, p.Stage, p.Install} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cache: create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureDirs idempotently (re)creates tmp/, fetch/, stage/, install/ for
// fp. Exported so phase functions can call it directly without holding a
// ScopedLock reference through Acquire's return value alone.
func (c *Cache) EnsureDirs(fp key.Fingerprint) error {
	return c.ensureDirs(c.Paths(fp))
}

// IsComplete reports whether fp's install.done marker exists.
func (c *Cache) IsComplete(fp key.Fingerprint) bool {
	_, err := os.Stat(c.Paths(fp).Done)
	return err == nil
}

// IsCompleteAndValid extends IsComplete with a content-hash re-validation:
// a marker whose recorded content hash no longer matches a freshly
// computed fingerprint is treated as incomplete, so a stale entry left
// over from an edited recipe is never trusted silently.
func (c *Cache) IsCompleteAndValid(fp key.Fingerprint) bool {
	if !c.IsComplete(fp) {
		return false
	}
	recorded, err := os.ReadFile(c.Paths(fp).Done)
	if err != nil {
		return false
	}
	return string(recorded) == string(fp)
}

// MarkComplete writes the install.done marker atomically: write a temp
// file, then rename. The marker body is the fingerprint
// itself, which IsCompleteAndValid re-checks against.
func (c *Cache) MarkComplete(fp key.Fingerprint) error {
	paths := c.Paths(fp)
	tmp := paths.Done + ".tmp"
	if err := os.WriteFile(tmp, []byte(fp), 0o644); err != nil {
		return fmt.Errorf("cache: write marker: %w", err)
	}
	if err := os.Rename(tmp, paths.Done); err != nil {
		return fmt.Errorf("cache: commit marker: %w", err)
	}
	return nil
}

// PurgeTmp removes fp's tmp/ directory tree.
func (c *Cache) PurgeTmp(fp key.Fingerprint) error {
	return purgeAndRecreate(c.Paths(fp).Tmp)
}

// PurgeStage removes fp's stage/ directory tree.
func (c *Cache) PurgeStage(fp key.Fingerprint) error {
	return purgeAndRecreate(c.Paths(fp).Stage)
}

func purgeAndRecreate(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cache: purge %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: recreate %s: %w", dir, err)
	}
	return nil
}
