package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"

	"github.com/warpcomdev/frameserver/internal/servicelog"
)

// debounce window: editors fire several events per save
const reloadDebounce = 250 * time.Millisecond

// Watch monitors the settings file and invokes onChange with every
// successfully reloaded version. Transient read failures (the editor
// may still be writing) are retried with backoff; persistent failures
// are logged and the previous settings stay in effect.
func Watch(ctx context.Context, logger servicelog.Logger, path string, onChange func(*Settings)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create settings watcher", servicelog.Error(err))
		return err
	}
	defer watcher.Close()

	// watch the directory: editors replace the file on save, which
	// would drop a watch set on the file itself
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		logger.Error("failed to watch settings folder", servicelog.Error(err))
		return err
	}

	var pending *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("settings watcher error", servicelog.Error(err))
			return err
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("settings file changed", servicelog.String("file", event.Name))
			schedule()
		case <-reload:
			var loaded *Settings
			operation := func() error {
				settings, err := Load(absPath)
				if err != nil {
					return err
				}
				loaded = settings
				return nil
			}
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
			if err := backoff.Retry(operation, bo); err != nil {
				logger.Error("failed to reload settings, keeping previous",
					servicelog.String("file", absPath), servicelog.Error(err))
				continue
			}
			logger.Info("settings reloaded", servicelog.String("file", absPath))
			onChange(loaded)
		}
	}
}
