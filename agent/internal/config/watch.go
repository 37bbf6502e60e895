package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange once for every write to path that yields a valid
// Config, until ctx is cancelled. The agent uses it to trigger an orderly
// restart; Watch itself applies nothing.
//
// A file that fails to load is logged and skipped. The running pipeline
// keeps its current settings.
func Watch(ctx context.Context, path string, env Env, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return err
	}
	slog.Info("config: restart-on-change enabled", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !changed(ev) {
				continue
			}
			cfg, err := Load(path, env)
			if err != nil {
				slog.Warn("config: rejected edited file, keeping current settings",
					"path", path, "err", err)
				continue
			}
			onChange(cfg)

			// An atomic save swaps the inode; watch the new one.
			_ = w.Add(path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}

// changed reports whether ev can alter the file contents. Editors that save
// by rename show up as Create.
func changed(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}
