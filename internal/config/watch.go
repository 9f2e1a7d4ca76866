package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads path whenever it is written or replaced and hands the new
// Config to onChange. A file that fails to load is logged and skipped, so the
// previous Config stays in effect. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Save replaces the file via rename, so watch the directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config %q: %w", path, err)
	}

	log := logger.WithField("path", path)
	log.Info("watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(ctx, path)
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous settings")
				continue
			}
			log.Info("config reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}
