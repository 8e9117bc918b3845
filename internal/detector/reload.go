package detector

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PatternWatcher hot-reloads the classification table when the patterns
// file changes on disk. A reload that fails to parse keeps the previous
// table active.
type PatternWatcher struct {
	detector *Detector
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// WatchPatterns starts watching path and applies successful reloads to d.
// The parent directory is watched rather than the file itself so that
// editors replacing the file via rename keep being observed.
func WatchPatterns(d *Detector, path string, logger *zap.Logger) (*PatternWatcher, error) {
	if d == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if path == "" {
		return nil, fmt.Errorf("patterns path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch patterns directory: %w", err)
	}

	w := &PatternWatcher{
		detector: d,
		path:     path,
		watcher:  watcher,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()

	logger.Info("pattern watcher started", zap.String("path", path))
	return w, nil
}

func (w *PatternWatcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pattern watcher error", zap.Error(err))
		}
	}
}

func (w *PatternWatcher) reload() {
	patterns, err := LoadPatternsFile(w.path)
	if err != nil {
		w.logger.Error("pattern reload failed, keeping previous table",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.detector.SetPatterns(patterns)
}

// Close stops watching and waits for the reload goroutine to exit.
func (w *PatternWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
