package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/ijave/internal/ent"
)

type Images struct {
	tx *sql.Tx
}

func (r Images) Create(ctx context.Context, img ent.Image) error {
	if !img.Loaded() {
		return fmt.Errorf("create image %s: %w: no payload", img.ID, ent.ErrInvariant)
	}
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO image (id, timestamp, content_type, data)
		VALUES (?, ?, ?, ?);
	`, img.ID, img.Timestamp.UnixNano(), img.ContentType, img.Data); err != nil {
		return fmt.Errorf("create image %s: %w", img.ID, err)
	}
	return nil
}

// Load returns the image with its payload.
func (r Images) Load(ctx context.Context, id ent.ImageID) (ent.Image, error) {
	img := ent.Image{ID: id}
	var ts int64
	err := r.tx.QueryRowContext(ctx, `
		SELECT timestamp, content_type, data
		FROM image
		WHERE id = ?;
	`, id).Scan(&ts, &img.ContentType, &img.Data)
	if err != nil {
		return ent.Image{}, notFound(err, "image", id)
	}
	img.Timestamp = fromNanos(ts)
	return img, nil
}

// Update replaces the metadata and, for a loaded image, the payload.
func (r Images) Update(ctx context.Context, img ent.Image) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if img.Loaded() {
		res, err = r.tx.ExecContext(ctx, `
			UPDATE image SET timestamp = ?, content_type = ?, data = ? WHERE id = ?;
		`, img.Timestamp.UnixNano(), img.ContentType, img.Data, img.ID)
	} else {
		res, err = r.tx.ExecContext(ctx, `
			UPDATE image SET timestamp = ?, content_type = ? WHERE id = ?;
		`, img.Timestamp.UnixNano(), img.ContentType, img.ID)
	}
	if err != nil {
		return false, fmt.Errorf("update image %s: %w", img.ID, err)
	}
	return affected(res, "update image")
}

func (r Images) Delete(ctx context.Context, id ent.ImageID) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `DELETE FROM image WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete image %s: %w", id, err)
	}
	return affected(res, "delete image")
}

// List returns the images linked to a prompt, oldest first, unloaded.
func (r Images) List(ctx context.Context, prompt ent.PromptID) ([]ent.Image, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT image.id, image.timestamp, image.content_type
		FROM image
		JOIN prompt_image ON prompt_image.image_id = image.id
		WHERE prompt_image.prompt_id = ?
		ORDER BY image.timestamp ASC, image.id ASC;
	`, prompt)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var out []ent.Image
	for rows.Next() {
		var (
			img ent.Image
			ts  int64
		)
		if err := rows.Scan(&img.ID, &ts, &img.ContentType); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.Timestamp = fromNanos(ts)
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("image rows: %w", err)
	}
	return out, nil
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
