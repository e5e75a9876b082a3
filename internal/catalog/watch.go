package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the cache whenever the snapshot file is rewritten, for
// example by loqa-voicectl running next to the daemon.
type Watcher struct {
	cache  *Cache
	path   string
	fsw    *fsnotify.Watcher
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(parent context.Context, cache *Cache, path string, log *slog.Logger) (*Watcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Watcher{
		cache:  cache,
		path:   filepath.Clean(path),
		fsw:    fsw,
		log:    log.With(slog.String("component", "snapshot-watcher"), slog.String("path", path)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
	w.log.Info("watching voice snapshot")
}

func (w *Watcher) Close() {
	w.cancel()
	_ = w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.log.Debug("snapshot changed", slog.String("op", event.Op.String()))
			timer.Reset(reloadDebounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("snapshot watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			if ok := <-w.cache.Load(w.ctx); !ok {
				w.log.Debug("snapshot reload skipped or failed")
			}
		}
	}
}
