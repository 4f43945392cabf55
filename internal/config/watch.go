package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the config file on change and hands each valid reload to
// apply as a fresh snapshot. Running tasks keep the snapshot they started
// with; apply typically rebuilds the policy engine and swaps a pointer.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, configPath string, logger *zap.Logger, apply func(*Config)) error {
	if configPath == "" {
		<-ctx.Done()
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than writing in place,
	// which drops a watch on the file itself.
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(configPath)

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
			cfg, err := Load(configPath)
			if err != nil {
				// An invalid edit keeps the previous snapshot in effect.
				logger.Warn("config reload rejected", zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", configPath))
			apply(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
