package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Generator runs one step.
type Generator interface {
	Generate(ctx context.Context, in Input) (Output, error)
}

type GeneratorFunc func(ctx context.Context, in Input) (Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Serve is the engine side of a Channel: it answers every Input read from r
// with an Output written to w. A failing step is reported in Output.Error and
// the loop continues. Serve returns nil when r ends.
func Serve(ctx context.Context, r io.Reader, w io.Writer, gen Generator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var in Input
		if err := ReadFrame(r, &in); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("engine input closed")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		out, err := gen.Generate(ctx, in)
		if err != nil {
			logger.Error("step failed", "prompt", in.Task.Prompt.ID, "step", in.Cached.Step, "error", err)
			out = Output{Task: in.Task, Cached: in.Cached, Error: err.Error()}
		} else {
			logger.Debug("step done", "prompt", in.Task.Prompt.ID, "step", out.Cached.Step, "steps", out.Cached.Steps)
		}
		out.Task = in.Task

		if err := WriteFrame(w, out); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}
