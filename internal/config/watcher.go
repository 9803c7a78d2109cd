package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 100 * time.Millisecond

// ReloadEvent names a changed configuration file. Op accumulates every
// operation seen while the file settled.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and .env in the home directory.
// It watches the directory itself, so files that are created later or
// replaced by an atomic rename are still seen. A burst of writes to one file
// is reported once, after Settle has passed without another.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent

	Settle time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		Settle:  defaultSettle,
	}
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) watched(name string) bool {
	switch filepath.Base(name) {
	case "config.yaml", ".env":
		return filepath.Dir(name) == filepath.Clean(w.homeDir)
	}
	return false
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		pending := map[string]fsnotify.Op{}
		timer := time.NewTimer(w.Settle)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.watched(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending[ev.Name] |= ev.Op
				timer.Reset(w.Settle)
			case <-timer.C:
				for path, op := range pending {
					w.logger.Info("config file changed", "path", path, "op", op.String())
					select {
					case w.events <- ReloadEvent{Path: path, Op: op}:
					default:
						w.logger.Warn("config reload event dropped", "path", path)
					}
				}
				clear(pending)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
