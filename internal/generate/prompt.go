package generate

import (
	"context"
	"fmt"

	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/persistence"
)

// CreatePrompt stores a prompt of project together with its initial
// generation state. ctx may carry an open transaction.
func CreatePrompt(ctx context.Context, store *persistence.Store, project ent.ProjectID, text string, steps int, strength float64) (ent.Prompt, error) {
	prompt := ent.Prompt{ID: ent.NewPromptID(), Project: project, Text: text}
	cache, err := ent.NewGenerationCache(prompt.ID, steps, strength)
	if err != nil {
		return ent.Prompt{}, err
	}
	err = store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		if _, err := tx.Projects().Load(ctx, project); err != nil {
			return err
		}
		if err := tx.Prompts().Create(ctx, prompt); err != nil {
			return err
		}
		return tx.Caches().Create(ctx, cache)
	})
	if err != nil {
		return ent.Prompt{}, fmt.Errorf("create prompt in project %s: %w", project, err)
	}
	return prompt, nil
}

// Progress loads the completed fraction of prompt's job.
func Progress(ctx context.Context, store *persistence.Store, prompt ent.PromptID) (float64, error) {
	var cached ent.GenerationCache
	err := store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		cached, err = tx.Caches().Load(ctx, ent.GenerationCacheIDFromPromptID(prompt))
		return err
	})
	if err != nil {
		return 0, err
	}
	return cached.Progress(), nil
}
