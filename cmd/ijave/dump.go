package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/ijave/internal/config"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/generate"
	"github.com/basket/ijave/internal/persistence"
	"github.com/basket/ijave/internal/telemetry"
)

type dumpImage struct {
	ID          string    `yaml:"id"`
	Timestamp   time.Time `yaml:"timestamp"`
	ContentType string    `yaml:"content_type"`
}

type dumpPrompt struct {
	ID       string      `yaml:"id"`
	Text     string      `yaml:"text"`
	Progress float64     `yaml:"progress"`
	Images   []dumpImage `yaml:"images"`
}

type dumpProject struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Width       int          `yaml:"image_width"`
	Height      int          `yaml:"image_height"`
	Prompts     []dumpPrompt `yaml:"prompts"`
}

// runDumpCommand prints the content of the database as YAML.
func runDumpCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: ijave dump [database]")
		return 2
	}
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		path = cfg.DatabasePath()
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		return 1
	}

	store, err := persistence.Open(path, telemetry.NewStderrLogger(telemetry.LevelVar("warn")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		return 1
	}
	defer store.Close()

	if err := writeDump(ctx, store, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		return 1
	}
	return 0
}

// writeDump walks projects, their prompts and the prompts' images in one
// transaction.
func writeDump(ctx context.Context, store *persistence.Store, w io.Writer) error {
	tree := []dumpProject{}
	err := store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		projects, err := tx.Projects().List(ctx)
		if err != nil {
			return err
		}
		for _, project := range projects {
			node := dumpProject{
				ID:          project.ID.String(),
				Name:        project.Name,
				Description: project.Description,
				Width:       project.Width,
				Height:      project.Height,
				Prompts:     []dumpPrompt{},
			}
			prompts, err := tx.Prompts().List(ctx, project.ID)
			if err != nil {
				return err
			}
			for _, prompt := range prompts {
				child, err := dumpPromptNode(ctx, store, tx, prompt)
				if err != nil {
					return err
				}
				node.Prompts = append(node.Prompts, child)
			}
			tree = append(tree, node)
		}
		return nil
	})
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"projects": tree}); err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	return enc.Close()
}

func dumpPromptNode(ctx context.Context, store *persistence.Store, tx *persistence.Tx, prompt ent.Prompt) (dumpPrompt, error) {
	progress, err := generate.Progress(ctx, store, prompt.ID)
	if err != nil {
		return dumpPrompt{}, err
	}
	images, err := tx.Images().List(ctx, prompt.ID)
	if err != nil {
		return dumpPrompt{}, err
	}
	node := dumpPrompt{
		ID:       prompt.ID.String(),
		Text:     prompt.Text,
		Progress: progress,
		Images:   []dumpImage{},
	}
	for _, img := range images {
		node.Images = append(node.Images, dumpImage{
			ID:          img.ID.String(),
			Timestamp:   img.Timestamp,
			ContentType: img.ContentType,
		})
	}
	return node, nil
}
