package ml

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// WatchArtifact reloads the handle's forest whenever its artifact
// changes on disk. The parent directory is watched; recreating or
// renaming the file still produces an event.
func WatchArtifact(ctx context.Context, handle *Handle, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(handle.ArtifactPath())
	base := filepath.Base(handle.ArtifactPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var reload *time.Timer
		defer func() {
			if reload != nil {
				reload.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// debounce: a save lands as several events in a burst
				if reload != nil {
					reload.Stop()
				}
				reload = time.AfterFunc(reloadDebounce, func() {
					if err := handle.ReloadFromDisk(); err != nil {
						logger.Warn("model artifact reload failed",
							zap.String("path", handle.ArtifactPath()),
							zap.Error(err))
						return
					}
					logger.Info("model artifact reloaded",
						zap.String("path", handle.ArtifactPath()))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("artifact watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
