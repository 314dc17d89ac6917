package voting

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

// CatalogWatcher reloads a Catalog when its file changes. An invalid file
// is logged and the previous gates stay in effect.
type CatalogWatcher struct {
	catalog *Catalog
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stop    chan struct{}
	reloads chan error
}

// NewCatalogWatcher watches the directory holding path, so editors that
// replace the file by rename are seen too.
func NewCatalogWatcher(catalog *Catalog, path string, logger *zap.Logger) (*CatalogWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", expanded, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating catalog watcher: %w", err)
	}
	return &CatalogWatcher{
		catalog: catalog,
		path:    abs,
		watcher: w,
		logger:  logger,
		stop:    make(chan struct{}),
		reloads: make(chan error, 8),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	go w.run(ctx)
	return nil
}

// Reloads reports the result of every reload attempt. Results are dropped
// when nobody reads them.
func (w *CatalogWatcher) Reloads() <-chan error {
	return w.reloads
}

// Stop ends watching. It is safe to call more than once.
func (w *CatalogWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *CatalogWatcher) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("gate catalog watcher error", zap.Error(err))
		}
	}
}

func (w *CatalogWatcher) reload() {
	err := w.catalog.Reload(w.path)
	if err != nil {
		w.logger.Warn("gate catalog reload failed; keeping previous gates",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info("gate catalog reloaded",
			zap.String("path", w.path), zap.Int("gates", len(w.catalog.Gates())))
	}
	select {
	case w.reloads <- err:
	default:
	}
}
