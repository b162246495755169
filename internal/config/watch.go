package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

// Watcher reloads the config file when it changes on disk and hands every
// distinct valid version to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	store    *Store
	onChange func(*Config)
	logger   *slog.Logger

	last []byte
}

// NewWatcher creates a Watcher. current is the config already in use and
// suppresses a callback for an unchanged file.
func NewWatcher(store *Store, current *Config, onChange func(*Config), logger *slog.Logger) *Watcher {
	w := &Watcher{
		store:    store,
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "config-watch"),
	}
	if current != nil {
		w.last, _ = json.Marshal(current)
	}
	return w
}

// Run watches until ctx is done. The directory is watched rather than the
// file since saves replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.store.Path())
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("watching config file", "path", w.store.Path())

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.store.Load()
	if err != nil {
		w.logger.Warn("ignoring config change", "error", err)
		return
	}
	if cfg == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		w.logger.Warn("ignoring config change", "error", err)
		return
	}
	if bytes.Equal(data, w.last) {
		return
	}
	w.last = data
	w.logger.Info("config reloaded", "path", w.store.Path())
	w.onChange(cfg)
}
