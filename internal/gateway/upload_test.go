package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/persistence"
)

func TestSaveImages_BusyRetryReportsCommittedIDs(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ijave.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	images := []ent.Image{
		{ContentType: "image/png", Data: []byte("first")},
		{ContentType: "image/png", Data: []byte("second")},
	}
	ctx := context.Background()

	var ids, rolledBack []ent.ImageID
	attempts := 0
	err = store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		ids, err = saveImages(ctx, tx, images, nil)
		if err != nil {
			return err
		}
		attempts++
		if attempts == 1 {
			rolledBack = ids
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if len(ids) != len(images) {
		t.Fatalf("ids = %v, want %d", ids, len(images))
	}

	err = store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		for _, id := range ids {
			if _, err := tx.Images().Load(ctx, id); err != nil {
				t.Errorf("committed image %s: %v", id, err)
			}
		}
		for _, id := range rolledBack {
			if _, err := tx.Images().Load(ctx, id); !errors.Is(err, persistence.ErrNotFound) {
				t.Errorf("rolled back image %s: expected ErrNotFound, got %v", id, err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSaveImages_UnknownPrompt(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ijave.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	missing := ent.NewPromptID()
	err = store.Transaction(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		_, err := saveImages(ctx, tx, []ent.Image{{ContentType: "image/png", Data: []byte("x")}}, &missing)
		return err
	})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
