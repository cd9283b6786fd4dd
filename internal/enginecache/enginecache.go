// Package enginecache keeps a single cached database handle per process
// per path, closing the previous handle on path switch, and invalidates
// that cache when the resolved database file is rewritten out from under
// the process (an external ALEXANDRIA_DB_PATH-driven process swapping the
// file): fsnotify watches the containing directory and debounces rapid
// writes.
package enginecache

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handle is whatever a Cache caches: the engine's open resources, closed
// together when the cache evicts or switches paths.
type Handle interface {
	Close() error
}

// Opener constructs a fresh Handle for path.
type Opener func(path string) (Handle, error)

// debounceDelay collapses a burst of filesystem events on the database
// file into a single invalidation.
const debounceDelay = 500 * time.Millisecond

// Cache holds at most one open Handle at a time, keyed by the resolved
// database path.
type Cache struct {
	mu      sync.Mutex
	path    string
	handle  Handle
	watcher *fsnotify.Watcher

	invalid bool
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Get returns the cached handle for path, opening (or reopening, after an
// external rewrite invalidated the previous one) via open when needed.
// Switching to a different path closes whatever was previously cached
// before opening the new one.
func (c *Cache) Get(path string, open Opener) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil && c.path == path && !c.invalid {
		return c.handle, nil
	}

	if c.handle != nil {
		_ = c.closeLocked()
	}

	h, err := open(path)
	if err != nil {
		return nil, err
	}
	c.path = path
	c.handle = h
	c.invalid = false
	c.watch(path)
	return h, nil
}

// watch starts (or restarts) an fsnotify watcher on path's containing
// directory so an external rewrite of the database file marks the cache
// invalid; the next Get call reopens rather than serving a stale handle.
func (c *Cache) watch(path string) {
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return // best-effort: no watcher means no external-rewrite detection, not a fatal error
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return
	}
	c.watcher = watcher
	base := filepath.Base(path)

	go func(w *fsnotify.Watcher) {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, c.markInvalid)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}(watcher)
}

func (c *Cache) markInvalid() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

// Close releases the currently cached handle and its watcher, if any.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Cache) closeLocked() error {
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
	if c.handle == nil {
		return nil
	}
	h := c.handle
	c.handle = nil
	return h.Close()
}
