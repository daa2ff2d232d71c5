package config

import (
	"context"
	"log/slog"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path for changes and calls onChange with the newly loaded
// Config each time the file is written. It runs until ctx is cancelled.
//
// A reload that fails to load or validate is logged and onChange is not
// called; the previous config stays active.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log := logger.With("component", "config", "path", path)
	log.Info("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save by rename, which shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Error("reload failed, keeping previous config", "err", err)
				continue
			}

			log.Info("reloaded")
			onChange(cfg)

			// Re-add in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", "err", err)
		}
	}
}

// RestartRequired lists the settings that differ between old and next and
// only take effect after a restart.
func RestartRequired(old, next *Config) []string {
	var changed []string
	if old.AFS.BaseURL != next.AFS.BaseURL ||
		old.AFS.AccessKey() != next.AFS.AccessKey() ||
		old.AFS.SecretKey() != next.AFS.SecretKey() ||
		!slices.Equal(old.AFS.Volumes, next.AFS.Volumes) ||
		old.AFS.RequestTimeout != next.AFS.RequestTimeout ||
		old.AFS.CircuitBreaker != next.AFS.CircuitBreaker {
		changed = append(changed, "afs")
	}
	if old.Server != next.Server {
		changed = append(changed, "server")
	}
	if old.Collection != next.Collection {
		changed = append(changed, "collection")
	}
	if old.Logging.Format != next.Logging.Format {
		changed = append(changed, "logging.format")
	}
	return changed
}
