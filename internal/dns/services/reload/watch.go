package reload

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
)

// debounceDelay coalesces the burst of events an editor or atomic rename
// produces into one reload.
const debounceDelay = 500 * time.Millisecond

// Watcher triggers a reload when the zone set or any watched zone file
// directory changes. Directories are watched instead of files so atomic
// replace-by-rename keeps working.
type Watcher struct {
	fsw    *fsnotify.Watcher
	reload func()
	logger log.Logger
}

// NewWatcher watches the given paths' directories and invokes reloadFn on
// changes.
func NewWatcher(paths []string, reloadFn func(), logger log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return &Watcher{fsw: fsw, reload: reloadFn, logger: logger}, nil
}

// AddPaths extends the watch set with the given paths' directories, so zone
// files joining the configuration later also trigger reloads. Adding an
// already-watched directory is a no-op.
func (w *Watcher) AddPaths(paths ...string) error {
	for _, p := range paths {
		if err := w.fsw.Add(filepath.Dir(p)); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug(map[string]any{"path": ev.Name}, "configuration change detected")
			if pending == nil {
				pending = time.NewTimer(debounceDelay)
			} else {
				pending.Reset(debounceDelay)
			}
			fire = pending.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(map[string]any{"error": err.Error()}, "file watcher error")
		}
	}
}
