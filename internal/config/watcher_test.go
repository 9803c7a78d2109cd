package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/ijave/internal/config"
)

func startWatcher(t *testing.T, homeDir string, settle time.Duration) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	w.Settle = settle
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func nextEvent(t *testing.T, w *config.Watcher) config.ReloadEvent {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a config change event")
		return config.ReloadEvent{}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	w := startWatcher(t, homeDir, 20*time.Millisecond)

	if err := config.SetLogLevel(homeDir, "debug"); err != nil {
		t.Fatalf("set log level: %v", err)
	}
	ev := nextEvent(t, w)
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %s", ev.Path)
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level after reload = %q, want debug", cfg.LogLevel)
	}
}

func TestWatcher_SeesFileCreatedLater(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir, 20*time.Millisecond)

	if err := os.WriteFile(filepath.Join(homeDir, ".env"), []byte("IJAVE_STEPS=4\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	ev := nextEvent(t, w)
	if filepath.Base(ev.Path) != ".env" || ev.Op&fsnotify.Create == 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatcher_CoalescesBurstsAndIgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir, 150*time.Millisecond)

	if err := os.WriteFile(filepath.Join(homeDir, "ijave.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}
	path := config.ConfigPath(homeDir)
	for i := range 5 {
		if err := os.WriteFile(path, []byte("log_level: info\n# "+string(rune('a'+i))+"\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	ev := nextEvent(t, w)
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %s", ev.Path)
	}
	select {
	case extra := <-w.Events():
		t.Fatalf("burst should produce one event, got another: %+v", extra)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_StartFailsForMissingHome(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected an error for a missing home directory")
	}
}
