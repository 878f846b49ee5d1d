package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/utils"
)

// reloadDelay coalesces the burst of events an editor produces when saving.
const reloadDelay = 200 * time.Millisecond

// Watcher rereads a config file whenever it changes and passes valid results on. Invalid
// files are logged and skipped.
type Watcher struct {
	path     string
	logger   logging.Logger
	onChange func(*Config)
	fsw      *fsnotify.Watcher
	workers  utils.StoppableWorkers
	debounce func(func())

	mu     sync.Mutex
	closed bool
}

// NewWatcher watches the directory of path, since editors often replace files instead of
// writing them in place.
func NewWatcher(path string, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return nil, errors.Wrapf(err, "watching %q", filepath.Dir(abs))
	}
	w := &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		fsw:      fsw,
		debounce: debounce.New(reloadDelay),
	}
	w.workers = utils.NewStoppableWorkers(w.watch)
	return w, nil
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.debounce(w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	conf, err := Read(context.Background(), w.path, w.logger)
	if err != nil {
		w.logger.Warnw("ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	w.logger.Infow("config changed", "path", w.path)
	w.onChange(conf)
}

// Close stops watching. A reload in progress finishes first.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	err := w.fsw.Close()
	w.workers.Stop()
	return err
}
