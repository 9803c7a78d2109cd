package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/ijave/internal/ent"
)

type txKey struct{}

// Tx is an open transaction. Repositories obtained from it share the
// transaction and are only valid inside the Transaction callback.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Projects() Projects { return Projects{tx: t.tx} }
func (t *Tx) Prompts() Prompts   { return Prompts{tx: t.tx} }
func (t *Tx) Images() Images     { return Images{tx: t.tx} }
func (t *Tx) Caches() Caches     { return Caches{tx: t.tx} }
func (t *Tx) Icons() Icons       { return Icons{tx: t.tx} }

// Now is the store clock.
func (t *Tx) Now() time.Time { return t.store.Now() }

// Link associates an image with a prompt. Linking twice is a no-op.
func (t *Tx) Link(ctx context.Context, prompt ent.PromptID, image ent.ImageID) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO prompt_image (prompt_id, image_id)
		VALUES (?, ?)
		ON CONFLICT(prompt_id, image_id) DO NOTHING;
	`, prompt, image); err != nil {
		return fmt.Errorf("link prompt %s to image %s: %w", prompt, image, err)
	}
	return nil
}

// Transaction runs fn inside a transaction and commits when fn returns nil.
// On error or panic everything fn did is rolled back.
//
// The ctx passed to fn carries the transaction: calling Transaction again
// with it joins the open transaction instead of waiting for the lock.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if outer, ok := ctx.Value(txKey{}).(*Tx); ok && outer.store == s {
		return fn(ctx, outer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnBusy(ctx, commitBackoff, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx, store: s}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		if r := recover(); r != nil {
			s.logger.Error("transaction rolled back", "panic", r)
			panic(r)
		}
		level := slog.LevelError
		if errors.Is(err, ErrNotFound) || errors.Is(err, ent.ErrInvariant) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "transaction rolled back", "error", err)
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// Projects lists every project in creation order.
func (s *Store) Projects(ctx context.Context) ([]ent.Project, error) {
	var out []ent.Project
	err := s.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = tx.Projects().List(ctx)
		return err
	})
	return out, err
}

// Prompts lists the prompts of a project in creation order.
func (s *Store) Prompts(ctx context.Context, project ent.ProjectID) ([]ent.Prompt, error) {
	var out []ent.Prompt
	err := s.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = tx.Prompts().List(ctx, project)
		return err
	})
	return out, err
}

// Images lists the images of a prompt, oldest first, without payloads.
func (s *Store) Images(ctx context.Context, prompt ent.PromptID) ([]ent.Image, error) {
	var out []ent.Image
	err := s.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = tx.Images().List(ctx, prompt)
		return err
	})
	return out, err
}

func affected(res sql.Result, what string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return n > 0, nil
}

func notFound(err error, what string, id fmt.Stringer) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}
