// Package sentinel implements the file-based stop protocol: the consumer
// creates a marker file in the service's base directory and the service
// reacts to its creation.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultName is the sentinel file name the consumer creates.
const DefaultName = "stop.txt"

// pollDefault is the default polling interval when fsnotify is unavailable.
const pollDefault = time.Second

// Request creates the sentinel in dir. It is the consumer side of the
// protocol.
func Request(dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create sentinel: %w", err)
	}
	return f.Close()
}

// matches compares base names case-insensitively.
func matches(path, name string) bool {
	return strings.EqualFold(filepath.Base(path), name)
}

// marker tracks where the sentinel lives once seen.
type marker struct {
	dir  string
	name string
	log  *slog.Logger

	mu   sync.Mutex
	seen string
}

func (m *marker) set(path string) {
	m.mu.Lock()
	m.seen = path
	m.mu.Unlock()
}

// clearStale removes sentinels left over from an earlier run, so that the
// next creation is a real event.
func (m *marker) clearStale() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !matches(e.Name(), m.name) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		if err := os.Remove(path); err == nil {
			m.log.Info("Removed stale stop file", "path", path)
		}
	}
}

// cleanup deletes the sentinel, ignoring failures.
func (m *marker) cleanup() {
	m.mu.Lock()
	path := m.seen
	m.mu.Unlock()
	if path == "" {
		path = filepath.Join(m.dir, m.name)
	}
	_ = os.Remove(path)
}

// Watcher waits for the sentinel using filesystem notifications.
type Watcher struct {
	marker
	fs *fsnotify.Watcher
}

// NewWatcher creates a notification-based watcher for name inside dir.
func NewWatcher(dir, name string, log *slog.Logger) *Watcher {
	return &Watcher{marker: marker{dir: dir, name: name, log: log}}
}

// Arm clears stale sentinels and starts watching dir.
func (w *Watcher) Arm() error {
	w.clearStale()

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fs.Add(w.dir); err != nil {
		_ = fs.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fs = fs
	return nil
}

// Wait blocks until the sentinel is created or ctx is cancelled.
func (w *Watcher) Wait(ctx context.Context) error {
	if w.fs == nil {
		return fmt.Errorf("watcher not armed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			if !event.Has(fsnotify.Create) || !matches(event.Name, w.name) {
				continue
			}
			w.set(event.Name)
			return nil

		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			w.log.Warn("File watcher error", "err", err)
		}
	}
}

// Cleanup stops watching and deletes the sentinel, best effort.
func (w *Watcher) Cleanup() {
	if w.fs != nil {
		_ = w.fs.Close()
		w.fs = nil
	}
	w.cleanup()
}

// PollWatcher waits for the sentinel by periodically listing dir. Used
// where notifications are unavailable (e.g., network shares).
type PollWatcher struct {
	marker
	interval time.Duration
}

// NewPollWatcher creates a polling watcher.
func NewPollWatcher(dir, name string, interval time.Duration, log *slog.Logger) *PollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	return &PollWatcher{marker: marker{dir: dir, name: name, log: log}, interval: interval}
}

// Arm clears stale sentinels.
func (w *PollWatcher) Arm() error {
	if _, err := os.Stat(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.clearStale()
	return nil
}

// Wait blocks until the sentinel appears or ctx is cancelled.
func (w *PollWatcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if path := w.scan(); path != "" {
				w.set(path)
				return nil
			}
		}
	}
}

func (w *PollWatcher) scan() string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() && matches(e.Name(), w.name) {
			return filepath.Join(w.dir, e.Name())
		}
	}
	return ""
}

// Cleanup deletes the sentinel, best effort.
func (w *PollWatcher) Cleanup() {
	w.cleanup()
}
