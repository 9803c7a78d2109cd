package persistence

import (
	"context"
	"database/sql"

	"github.com/basket/ijave/internal/ent"
)

// Icons resolves the representative image of an entity: the newest image
// reachable from it. Equal timestamps fall back to the larger image id.
type Icons struct {
	tx *sql.Tx
}

func (r Icons) ForProject(ctx context.Context, id ent.ProjectID) (ent.Image, error) {
	return r.newest(ctx, "project", id, `
		SELECT image.id, image.timestamp, image.content_type, image.data
		FROM image
		JOIN prompt_image ON prompt_image.image_id = image.id
		JOIN prompt ON prompt.id = prompt_image.prompt_id
		WHERE prompt.project_id = ?
		ORDER BY image.timestamp DESC, image.id DESC
		LIMIT 1;
	`)
}

func (r Icons) ForPrompt(ctx context.Context, id ent.PromptID) (ent.Image, error) {
	return r.newest(ctx, "prompt", id, `
		SELECT image.id, image.timestamp, image.content_type, image.data
		FROM image
		JOIN prompt_image ON prompt_image.image_id = image.id
		WHERE prompt_image.prompt_id = ?
		ORDER BY image.timestamp DESC, image.id DESC
		LIMIT 1;
	`)
}

// ForImage is the image itself.
func (r Icons) ForImage(ctx context.Context, id ent.ImageID) (ent.Image, error) {
	return Images(r).Load(ctx, id)
}

type iconOwner interface {
	String() string
}

func (r Icons) newest(ctx context.Context, what string, id iconOwner, query string) (ent.Image, error) {
	var (
		img ent.Image
		ts  int64
	)
	if err := r.tx.QueryRowContext(ctx, query, id).Scan(&img.ID, &ts, &img.ContentType, &img.Data); err != nil {
		return ent.Image{}, notFound(err, what+" icon", id)
	}
	img.Timestamp = fromNanos(ts)
	return img, nil
}
