// Package catalog holds the resource directory: the externally supplied
// mapping from resource IDs to creator, rate and presentation metadata.
// The directory is advisory — the ledger stays authoritative for whether
// a resource is open for sessions — but it gates which resources the
// coordinator will attempt at all.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Resource is one directory entry. The JSON shape matches the seeding
// fixtures the operators maintain.
type Resource struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Creator string `json:"creator"`
	// ContentHash addresses the underlying content (the reference system
	// stores an IPFS hash).
	ContentHash string `json:"content_hash,omitempty"`
	// RatePerHour is in the ledger's micro-units.
	RatePerHour int64 `json:"rate_per_hour"`
	// Active is advisory; ledger truth wins at session start.
	Active bool `json:"active"`
}

// Directory is a read-mostly view over the resource set. Safe for
// concurrent use; Watch may replace the set at any time.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]Resource

	path string
	log  *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used by Watch. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

// Load reads the directory file (a JSON array of resources) and returns a
// Directory bound to that path for later Reload/Watch.
func Load(path string, opts ...Option) (*Directory, error) {
	d := &Directory{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	byID, err := readFile(path)
	if err != nil {
		return nil, err
	}
	d.byID = byID
	return d, nil
}

// NewStatic builds an in-memory directory, for tests and fixed catalogs.
func NewStatic(resources ...Resource) *Directory {
	byID := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	return &Directory{byID: byID, log: slog.Default()}
}

// Get returns the entry for id.
func (d *Directory) Get(id string) (Resource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[id]
	return r, ok
}

// List returns a copy of every entry. Order is unspecified.
func (d *Directory) List() []Resource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Resource, 0, len(d.byID))
	for _, r := range d.byID {
		out = append(out, r)
	}
	return out
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Reload re-reads the directory file. A malformed replacement keeps the
// last good set and returns the parse error.
func (d *Directory) Reload() error {
	if d.path == "" {
		return errors.New("directory not loaded from a file")
	}
	byID, err := readFile(d.path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.byID = byID
	d.mu.Unlock()
	return nil
}

// Watch blocks, reloading the directory whenever its file is rewritten,
// until ctx ends. Replace-by-rename (the common atomic update pattern) is
// handled by watching the parent directory.
func (d *Directory) Watch(ctx context.Context) error {
	if d.path == "" {
		return errors.New("directory not loaded from a file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	dir := filepath.Dir(d.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(d.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Reload(); err != nil {
				d.log.Warn("catalog reload failed, keeping last good set",
					slog.String("path", d.path),
					slog.String("err", err.Error()))
				continue
			}
			d.log.Info("catalog reloaded",
				slog.String("path", d.path),
				slog.Int("resources", d.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("catalog watcher error", slog.String("err", err.Error()))
		}
	}
}

func readFile(path string) (map[string]Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var list []Resource
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	byID := make(map[string]Resource, len(list))
	for _, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("parse catalog: entry with empty id")
		}
		byID[r.ID] = r
	}
	return byID, nil
}
