package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the loader's YAML file whenever it changes and passes each
// valid result to onChange. A reload that fails to parse or validate is
// logged and skipped, so the caller keeps its previous values. Watch
// blocks until ctx is done.
//
// The parent directory is watched rather than the file itself, so saves
// that replace the file (write to temp, rename over) are still seen.
func (l Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	if l.Path == "" {
		return errors.New("config: watch requires a config file path")
	}
	target := filepath.Clean(l.Path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", target, err)
	}
	slog.Debug("config: watching", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			l.reload(onChange)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watch error", "path", target, "err", err)
		}
	}
}

func (l Loader) reload(onChange func(*Config)) {
	cfg, err := l.Load()
	if err != nil {
		slog.Error("config: ignoring invalid reload", "path", l.Path, "err", err)
		return
	}
	slog.Info("config: reloaded", "path", l.Path, "delay", cfg.Delay)
	onChange(cfg)
}
