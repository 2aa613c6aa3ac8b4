package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchLogLevel re-applies the log level whenever the config file changes.
// Only the log level is hot-reloaded; everything else requires a restart.
// The watcher stops when ctx is cancelled.
func WatchLogLevel(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				applyLogLevel(path)
				// Editors replace the file; re-arm the watch on the new inode.
				if event.Op&fsnotify.Create != 0 {
					watcher.Add(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithField("error", err.Error()).Warn("Config watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()

	log.WithField("path", path).Debug("Config log-level watch armed")
	return nil
}

func applyLogLevel(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.WithField("error", err.Error()).Warn("⚠️ Config reload failed, keeping current log level")
		return
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("⚠️ Reloaded config carries unknown log level")
		return
	}
	if log.GetLevel() != level {
		log.SetLevel(level)
		log.WithField("log_level", level.String()).Info("🔧 Log level updated from config")
	}
}
