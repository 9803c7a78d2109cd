package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/ijave/internal/ent"
)

// Caches holds generation progress. Rows are removed with their prompt.
type Caches struct {
	tx *sql.Tx
}

func (r Caches) Create(ctx context.Context, c ent.GenerationCache) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("create generation cache: %w", err)
	}
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO generation_cache (id, step, steps, strength, latent)
		VALUES (?, ?, ?, ?, ?);
	`, c.ID, c.Step, c.Steps, c.Strength, c.Latent); err != nil {
		return fmt.Errorf("create generation cache %s: %w", c.ID, err)
	}
	return nil
}

func (r Caches) Load(ctx context.Context, id ent.GenerationCacheID) (ent.GenerationCache, error) {
	c := ent.GenerationCache{ID: id}
	err := r.tx.QueryRowContext(ctx, `
		SELECT step, steps, strength, latent
		FROM generation_cache
		WHERE id = ?;
	`, id).Scan(&c.Step, &c.Steps, &c.Strength, &c.Latent)
	if err != nil {
		return ent.GenerationCache{}, notFound(err, "generation cache", id)
	}
	return c, nil
}

func (r Caches) Update(ctx context.Context, c ent.GenerationCache) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, fmt.Errorf("update generation cache: %w", err)
	}
	res, err := r.tx.ExecContext(ctx, `
		UPDATE generation_cache
		SET step = ?, steps = ?, strength = ?, latent = ?
		WHERE id = ?;
	`, c.Step, c.Steps, c.Strength, c.Latent, c.ID)
	if err != nil {
		return false, fmt.Errorf("update generation cache %s: %w", c.ID, err)
	}
	return affected(res, "update generation cache")
}

// Incomplete returns every cache with steps left to run, in prompt creation
// order.
func (r Caches) Incomplete(ctx context.Context) ([]ent.GenerationCache, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT generation_cache.id, step, steps, strength, latent
		FROM generation_cache
		JOIN prompt ON prompt.id = generation_cache.id
		WHERE step < steps
		ORDER BY prompt.rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query incomplete caches: %w", err)
	}
	defer rows.Close()

	var out []ent.GenerationCache
	for rows.Next() {
		var c ent.GenerationCache
		if err := rows.Scan(&c.ID, &c.Step, &c.Steps, &c.Strength, &c.Latent); err != nil {
			return nil, fmt.Errorf("scan generation cache: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("generation cache rows: %w", err)
	}
	return out, nil
}
