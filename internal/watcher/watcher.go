// Package watcher provides debounced directory watching over fsnotify.
package watcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the write-finish stability window. Batches of
// events inside the window collapse into one notification.
const DefaultDebounce = 150 * time.Millisecond

// Config holds watcher configuration options.
type Config struct {
	// Dirs are watched from Start. More can be added later with Add.
	Dirs []string
	// Debounce is the stability window. Zero means DefaultDebounce.
	Debounce time.Duration
	// Relevant filters raw events. Nil accepts writes and creates.
	Relevant func(fsnotify.Event) bool
}

// Watcher monitors directories and emits batches of changed paths
// after a debounce window.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	relevant  func(fsnotify.Event) bool
	changes   chan []string
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	relevant := cfg.Relevant
	if relevant == nil {
		relevant = func(ev fsnotify.Event) bool {
			return ev.Op&(fsnotify.Write|fsnotify.Create) != 0
		}
	}

	w := &Watcher{
		fsWatcher: fsw,
		debounce:  debounce,
		relevant:  relevant,
		changes:   make(chan []string, 16),
		done:      make(chan struct{}),
	}
	for _, dir := range cfg.Dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}
	return w, nil
}

// Start begins processing events.
// Returns the channel that receives batches of changed paths.
func (w *Watcher) Start() <-chan []string {
	go w.loop()
	return w.changes
}

// Add watches another directory. Safe while running.
func (w *Watcher) Add(dir string) error {
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	return nil
}

// Remove stops watching a directory.
func (w *Watcher) Remove(dir string) error {
	if err := w.fsWatcher.Remove(dir); err != nil {
		return fmt.Errorf("unwatching directory %s: %w", dir, err)
	}
	return nil
}

// Stop terminates the watcher and releases resources. Idempotent. The
// changes channel closes once the event loop winds down, so consumers
// ranging over it terminate.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

// loop accumulates relevant paths and flushes them once the debounce
// window passes without further events.
func (w *Watcher) loop() {
	// loop is the sole sender on changes, so it owns the close.
	defer close(w.changes)

	var (
		timer   *time.Timer
		pending map[string]struct{}
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			if pending == nil {
				pending = make(map[string]struct{})
			}
			pending[event.Name] = struct{}{}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if len(pending) > 0 {
				batch := make([]string, 0, len(pending))
				for path := range pending {
					batch = append(batch, path)
				}
				pending = nil
				// Non-blocking send - drop if nobody is draining
				select {
				case w.changes <- batch:
				default:
				}
			}
			timer = nil

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching. Callers that need error visibility can
			// wrap the watcher.

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
