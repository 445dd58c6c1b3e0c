package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/debug"
)

// Watcher monitors the workspace and reports debounced file changes with
// workspace-relative paths.
type Watcher struct {
	watcher   *fsnotify.Watcher
	cfg       *config.Config
	scanner   *Scanner
	debouncer *eventDebouncer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	watchedDirs atomic.Int64
	eventsSeen  atomic.Uint64

	onChanged func(rel string)
	onCreated func(rel string)
	onRemoved func(rel string)
}

// WatchStats is a snapshot of watcher activity.
type WatchStats struct {
	WatchedDirs int
	EventsSeen  uint64
}

// Stats returns the current watcher activity counters.
func (w *Watcher) Stats() WatchStats {
	return WatchStats{
		WatchedDirs: int(w.watchedDirs.Load()),
		EventsSeen:  w.eventsSeen.Load(),
	}
}

type fileEventType int

const (
	fileEventCreate fileEventType = iota
	fileEventWrite
	fileEventRemove
)

// NewWatcher creates a watcher over the scanner's workspace.
func NewWatcher(cfg *config.Config, scanner *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:   fsw,
		cfg:       cfg,
		scanner:   scanner,
		debouncer: newEventDebouncer(time.Duration(cfg.Watch.DebounceMs) * time.Millisecond),
		ctx:       ctx,
		cancel:    cancel,
	}
	w.debouncer.setCallbacks(w)
	return w, nil
}

// SetCallbacks sets the handlers invoked after debouncing. Must be called
// before Start.
func (w *Watcher) SetCallbacks(onChanged, onCreated, onRemoved func(rel string)) {
	w.onChanged = onChanged
	w.onCreated = onCreated
	w.onRemoved = onRemoved
}

// Start adds watches for every workspace directory and begins processing.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.scanner.Root()); err != nil {
		return fmt.Errorf("failed to add watches under %s: %w", w.scanner.Root(), err)
	}

	w.wg.Add(1)
	go w.processEvents()

	debug.LogScan("watcher started for %s\n", w.scanner.Root())
	return nil
}

// Stop cancels watching and waits for the event goroutine. Events still
// pending in the debouncer are dropped; the caller re-scans on restart.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.debouncer.stop()
	return err
}

// addWatches walks the tree adding a watch per directory, guarding against
// symlink cycles.
func (w *Watcher) addWatches(root string) error {
	visited := make(map[string]bool)

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[realPath] {
			return filepath.SkipDir
		}
		visited[realPath] = true

		if rel, ok := w.scanner.Rel(path); ok && rel != "." && w.scanner.skipDir(rel) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			debug.LogScan("cannot watch %s: %v\n", path, err)
		} else {
			w.watchedDirs.Add(1)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			debug.LogScan("watch error: %v\n", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.eventsSeen.Add(1)

	rel, ok := w.scanner.Rel(event.Name)
	if !ok {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Gone already: removes and renames both surface as removal.
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && w.scanner.Matches(rel) {
			w.debouncer.addEvent(rel, fileEventRemove)
		}
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !w.scanner.skipDir(rel) {
			if err := w.watcher.Add(event.Name); err != nil {
				debug.LogScan("cannot watch new directory %s: %v\n", event.Name, err)
			} else {
				w.watchedDirs.Add(1)
			}
		}
		return
	}

	if !w.scanner.Matches(rel) {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		w.debouncer.addEvent(rel, fileEventCreate)
	case event.Op&fsnotify.Write != 0:
		w.debouncer.addEvent(rel, fileEventWrite)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.debouncer.addEvent(rel, fileEventRemove)
	}
}

// eventDebouncer coalesces bursts of events per path, keeping only the
// latest event until the stability window elapses.
type eventDebouncer struct {
	mutex     sync.Mutex
	events    map[string]fileEventType
	debounce  time.Duration
	timer     *time.Timer
	callbacks *Watcher
	stopped   bool
}

func newEventDebouncer(debounce time.Duration) *eventDebouncer {
	return &eventDebouncer{
		events:   make(map[string]fileEventType),
		debounce: debounce,
	}
}

func (d *eventDebouncer) setCallbacks(w *Watcher) {
	d.callbacks = w
}

func (d *eventDebouncer) addEvent(rel string, eventType fileEventType) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.stopped {
		return
	}

	// Writes that land right after a create still report as a create.
	if prev, ok := d.events[rel]; !ok || !(prev == fileEventCreate && eventType == fileEventWrite) {
		d.events[rel] = eventType
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, d.flush)
}

// stop drops pending events. Flushing during shutdown would call back into
// a service that is tearing down.
func (d *eventDebouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.events = make(map[string]fileEventType)
}

func (d *eventDebouncer) flush() {
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		return
	}
	events := d.events
	d.events = make(map[string]fileEventType)
	d.mutex.Unlock()

	if len(events) == 0 {
		return
	}
	debug.LogScan("processing %d debounced events\n", len(events))

	var creates, removes, changes []string
	for rel, eventType := range events {
		switch eventType {
		case fileEventCreate:
			creates = append(creates, rel)
		case fileEventRemove:
			removes = append(removes, rel)
		case fileEventWrite:
			changes = append(changes, rel)
		}
	}

	// Removals first so renames (remove+create pairs) free the old identity
	// before the new one appears.
	for _, rel := range removes {
		if d.callbacks.onRemoved != nil {
			d.callbacks.onRemoved(rel)
		}
	}
	for _, rel := range changes {
		if d.callbacks.onChanged != nil {
			d.callbacks.onChanged(rel)
		}
	}
	for _, rel := range creates {
		if d.callbacks.onCreated != nil {
			d.callbacks.onCreated(rel)
		}
	}
}
