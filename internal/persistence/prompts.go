package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/ijave/internal/ent"
)

type Prompts struct {
	tx *sql.Tx
}

func (r Prompts) Create(ctx context.Context, p ent.Prompt) error {
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO prompt (id, project_id, text)
		VALUES (?, ?, ?);
	`, p.ID, p.Project, p.Text); err != nil {
		return fmt.Errorf("create prompt %s: %w", p.ID, err)
	}
	return nil
}

func (r Prompts) Load(ctx context.Context, id ent.PromptID) (ent.Prompt, error) {
	p := ent.Prompt{ID: id}
	err := r.tx.QueryRowContext(ctx, `
		SELECT project_id, text
		FROM prompt
		WHERE id = ?;
	`, id).Scan(&p.Project, &p.Text)
	if err != nil {
		return ent.Prompt{}, notFound(err, "prompt", id)
	}
	return p, nil
}

func (r Prompts) Update(ctx context.Context, p ent.Prompt) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE prompt SET project_id = ?, text = ? WHERE id = ?;
	`, p.Project, p.Text, p.ID)
	if err != nil {
		return false, fmt.Errorf("update prompt %s: %w", p.ID, err)
	}
	return affected(res, "update prompt")
}

func (r Prompts) Delete(ctx context.Context, id ent.PromptID) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `DELETE FROM prompt WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete prompt %s: %w", id, err)
	}
	return affected(res, "delete prompt")
}

func (r Prompts) List(ctx context.Context, project ent.ProjectID) ([]ent.Prompt, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, project_id, text
		FROM prompt
		WHERE project_id = ?
		ORDER BY rowid ASC;
	`, project)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var out []ent.Prompt
	for rows.Next() {
		var p ent.Prompt
		if err := rows.Scan(&p.ID, &p.Project, &p.Text); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prompt rows: %w", err)
	}
	return out, nil
}
