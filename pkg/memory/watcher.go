package memory

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"mnemo/internal/observability"
)

// Watcher forwards markdown change events from fsnotify into a bounded
// channel drained by a single coordinator goroutine. Bursts coalesce: a
// pending notification is dropped rather than queued, and the resulting
// sync collapses into the in-flight run anyway.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func()
	pending  chan struct{}
	stop     chan struct{}
}

// NewWatcher creates a watcher invoking onChange after each burst of
// markdown file events.
func NewWatcher(logger zerolog.Logger, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		onChange: onChange,
		pending:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	go w.run()
	go w.coordinate()

	return w, nil
}

// Watch registers a directory tree. New subdirectories are added as they
// appear.
func (w *Watcher) Watch(root string) error {
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Watch(filepath.Join(root, e.Name())); err != nil {
				w.logger.Debug().Err(err).Str("dir", e.Name()).Msg("Failed to watch subdirectory")
			}
		}
	}
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.stop)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
					continue
				}
			}

			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("File change detected")
			observability.RecordWatcherEvent()

			select {
			case w.pending <- struct{}{}:
			default: // notification already queued
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) coordinate() {
	for {
		select {
		case <-w.pending:
			w.onChange()
		case <-w.stop:
			return
		}
	}
}
