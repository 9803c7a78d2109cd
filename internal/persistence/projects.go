package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/ijave/internal/ent"
)

type Projects struct {
	tx *sql.Tx
}

func (r Projects) Create(ctx context.Context, p ent.Project) error {
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO project (id, name, description, image_width, image_height)
		VALUES (?, ?, ?, ?, ?);
	`, p.ID, p.Name, p.Description, p.Width, p.Height); err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

func (r Projects) Load(ctx context.Context, id ent.ProjectID) (ent.Project, error) {
	p := ent.Project{ID: id}
	err := r.tx.QueryRowContext(ctx, `
		SELECT name, description, image_width, image_height
		FROM project
		WHERE id = ?;
	`, id).Scan(&p.Name, &p.Description, &p.Width, &p.Height)
	if err != nil {
		return ent.Project{}, notFound(err, "project", id)
	}
	return p, nil
}

func (r Projects) Update(ctx context.Context, p ent.Project) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE project
		SET name = ?, description = ?, image_width = ?, image_height = ?
		WHERE id = ?;
	`, p.Name, p.Description, p.Width, p.Height, p.ID)
	if err != nil {
		return false, fmt.Errorf("update project %s: %w", p.ID, err)
	}
	return affected(res, "update project")
}

// Delete removes the project with its prompts and their caches.
func (r Projects) Delete(ctx context.Context, id ent.ProjectID) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `DELETE FROM project WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete project %s: %w", id, err)
	}
	return affected(res, "delete project")
}

func (r Projects) List(ctx context.Context) ([]ent.Project, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, name, description, image_width, image_height
		FROM project
		ORDER BY rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []ent.Project
	for rows.Next() {
		var p ent.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Width, &p.Height); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return out, nil
}
