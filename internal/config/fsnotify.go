package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reads the config at path and feeds it onto ch, then (when watch
// is true) re-reads and re-feeds whenever the file is replaced on disk.
// Deploy tooling tends to swap config files atomically, which surfaces
// as a Remove event, so the path is re-added after each reload.
func Watch(ctx context.Context, ch chan<- *Config, path string, watch bool) error {
	conf, err := buildConfigAtPath(path)
	if err != nil {
		return err
	}

	// feed initial config
	ch <- conf

	if !watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Watcher event", "event", event)

				if !(event.Has(fsnotify.Remove) || event.Has(fsnotify.Write)) {
					continue
				}

				conf, err := buildConfigAtPath(path)
				if err != nil {
					slog.Error("Reloading config", "error", err)
					continue
				}

				ch <- conf

				// remove and re-add as the file may have been moved atomically
				watcher.Remove(event.Name)
				watcher.Add(path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				slog.Error("Watching config", "error", err)
			}
		}
	}()

	if err := watcher.Add(path); err != nil {
		return err
	}

	return nil
}
