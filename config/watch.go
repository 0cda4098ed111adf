package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchDebounce collapses the burst of events an editor produces when saving
const WatchDebounce = 250 * time.Millisecond

// Watch calls fn with the reloaded configuration whenever the file at path changes, until ctx is
// done. Invalid configurations are logged and skipped. The directory is watched so files that
// editors replace by renaming are still seen
func Watch(ctx context.Context, path string, fn func(*Config), logger logrus.FieldLogger) error {
	logger = logger.WithFields(logrus.Fields{
		"component": "config",
		"path":      path,
	})

	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("error resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	defer watcher.Close()

	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("error watching %q: %w", filepath.Dir(path), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		// the file may be gone again, and Load would fall back to defaults
		if _, err := os.Stat(path); err != nil {
			logger.WithError(err).Debug("config file missing")
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.WithError(err).Warn("ignoring invalid config change")
			return
		}
		logger.Info("config reloaded")
		fn(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watcher error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			logger.WithField("op", event.Op.String()).Debug("config changed")
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(WatchDebounce, reload)
			mu.Unlock()
		}
	}
}
