package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchTarget is a file whose changes trigger a reload callback, such as the
// firewall rules file or the template bank.
type WatchTarget struct {
	Path     string
	OnChange func()
}

// Watcher monitors the directories holding the watch targets with fsnotify
// and fires a target's callback when its file is written or (re)created.
// Editors that save by renaming a temp file over the original produce a
// Create event, which is handled the same way.
//
// Call Close to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	targets   map[string]func()
	logger    *zap.Logger
	done      chan struct{}
}

// NewWatcher starts watching. Targets with an empty path are ignored.
func NewWatcher(targets []WatchTarget, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fw,
		targets:   make(map[string]func()),
		logger:    logger,
		done:      make(chan struct{}),
	}

	dirs := map[string]bool{}
	for _, t := range targets {
		if t.Path == "" || t.OnChange == nil {
			continue
		}
		path, err := filepath.Abs(t.Path)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolving %s: %w", t.Path, err)
		}
		w.targets[path] = t.OnChange
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	go w.processEvents()

	logger.Info("file watcher started", zap.Int("files", len(w.targets)), zap.Int("dirs", len(dirs)))
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removal and rename-away leave the last good table in place.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if fn, ok := w.targets[path]; ok {
				w.logger.Info("watched file changed, reloading", zap.String("path", path))
				fn()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
