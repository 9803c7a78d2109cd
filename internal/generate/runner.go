// Package generate advances prompt generation jobs one engine step at a time
// and publishes each finished step on the owning project's topic.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ijave/internal/bus"
	"github.com/basket/ijave/internal/engine"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/otel"
	"github.com/basket/ijave/internal/persistence"
)

// Kind is the topic kind generation progress is published under.
const Kind = "project"

// Topic is the topic a project's progress is published on.
func Topic(project ent.ProjectID) bus.Topic {
	return bus.Topic{Kind: Kind, Name: project.String()}
}

// Result describes one persisted step.
type Result struct {
	Prompt   ent.Prompt  `json:"prompt"`
	Image    ent.ImageID `json:"image"`
	Progress float64     `json:"progress"`
}

// Exchanger runs one step on the engine. *engine.Channel and *engine.Process
// implement it.
type Exchanger interface {
	Exchange(ctx context.Context, in engine.Input) (engine.Output, error)
}

// Runner executes generation tasks. Its methods have the shapes the executor
// expects for Execute, OnComplete and OnError.
type Runner struct {
	store   *persistence.Store
	engine  Exchanger
	broker  *bus.Broker
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	stepTimeout time.Duration
}

// NewRunner wires a Runner. Logger and Tracer default to no-op
// implementations; Metrics may be nil.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Runner{
		store:   cfg.Store,
		engine:  cfg.Engine,
		broker:  cfg.Broker,
		logger:  logger.With("component", "generate"),
		tracer:  tracer,
		metrics: cfg.Metrics,

		stepTimeout: cfg.StepTimeout,
	}
}

// Execute runs the next step of task's prompt. A prompt whose job is already
// complete yields a nil Result and no error.
//
// The cache row, the new image and its link to the prompt are written in one
// transaction; a failed exchange leaves the stored state untouched.
func (r *Runner) Execute(ctx context.Context, task engine.Task) (*Result, error) {
	start := time.Now()
	ctx, span := otel.StartStepSpan(ctx, r.tracer, task.Prompt, task.Width, task.Height)
	defer span.End()

	res, err := r.step(ctx, span, task)
	if err != nil {
		otel.Fail(span, err)
		return nil, err
	}
	if res != nil && r.metrics != nil {
		r.metrics.StepDuration.Record(ctx, time.Since(start).Seconds())
		r.metrics.StepsCompleted.Add(ctx, 1)
		if res.Progress >= 1 {
			r.metrics.JobsCompleted.Add(ctx, 1)
		}
	}
	return res, nil
}

func (r *Runner) step(ctx context.Context, span trace.Span, task engine.Task) (*Result, error) {
	var cached ent.GenerationCache
	err := r.store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		cached, err = tx.Caches().Load(ctx, ent.GenerationCacheIDFromPromptID(task.Prompt.ID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load generation state of prompt %s: %w", task.Prompt.ID, err)
	}
	if cached.Complete() {
		r.logger.Info("generation already complete", "prompt_id", task.Prompt.ID, "steps", cached.Steps)
		return nil, nil
	}
	otel.StepReached(span, cached)

	out, err := r.exchange(ctx, engine.Input{Task: task, Cached: cached})
	if err != nil {
		return nil, err
	}
	next := out.Cached
	if err := advanced(cached, next); err != nil {
		return nil, err
	}
	if len(out.ImageData) == 0 || out.ContentType == "" {
		return nil, fmt.Errorf("engine returned no image for prompt %s step %d", task.Prompt.ID, next.Step)
	}

	img := ent.Image{
		ID:          ent.NewImageID(),
		Timestamp:   r.store.Now(),
		ContentType: out.ContentType,
		Data:        out.ImageData,
	}
	err = r.store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		ok, err := tx.Caches().Update(ctx, next)
		if err != nil {
			return err
		}
		if !ok {
			// The prompt was deleted while the engine was busy.
			return fmt.Errorf("generation state of prompt %s: %w", task.Prompt.ID, persistence.ErrNotFound)
		}
		if err := tx.Images().Create(ctx, img); err != nil {
			return err
		}
		return tx.Link(ctx, task.Prompt.ID, img.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("persist step %d of prompt %s: %w", next.Step, task.Prompt.ID, err)
	}

	r.logger.Debug("generation step persisted",
		"prompt_id", task.Prompt.ID,
		"image_id", img.ID,
		"step", next.Step,
		"steps", next.Steps,
	)
	return &Result{Prompt: task.Prompt, Image: img.ID, Progress: next.Progress()}, nil
}

func (r *Runner) exchange(ctx context.Context, in engine.Input) (engine.Output, error) {
	start := time.Now()
	ctx, span := otel.StartExchangeSpan(ctx, r.tracer, in.Task.Prompt.ID, in.Cached.Step)
	defer span.End()

	if r.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}
	out, err := r.engine.Exchange(ctx, in)
	if r.metrics != nil {
		r.metrics.ExchangeLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		otel.Fail(span, err)
		return engine.Output{}, fmt.Errorf("engine step %d of prompt %s: %w", in.Cached.Step+1, in.Task.Prompt.ID, err)
	}
	return out, nil
}

// advanced checks that next is prev moved forward by exactly one step.
func advanced(prev, next ent.GenerationCache) error {
	switch {
	case next.ID != prev.ID:
		return fmt.Errorf("%w: engine returned cache %s for %s", ent.ErrInvariant, next.ID, prev.ID)
	case next.Steps != prev.Steps:
		return fmt.Errorf("%w: engine changed step count of %s from %d to %d", ent.ErrInvariant, prev.ID, prev.Steps, next.Steps)
	case next.Step != prev.Step+1:
		return fmt.Errorf("%w: engine moved %s from step %d to %d", ent.ErrInvariant, prev.ID, prev.Step, next.Step)
	}
	return next.Validate()
}

// Complete publishes res on the prompt's project topic.
func (r *Runner) Complete(_ context.Context, task engine.Task, res *Result) {
	if res == nil {
		return
	}
	r.broker.Publish(Topic(res.Prompt.Project), res)
	r.logger.Info("generation step completed",
		"prompt_id", task.Prompt.ID,
		"image_id", res.Image,
		"progress", res.Progress,
	)
}

// Fail logs a failed step. The job stays where it was and can be retried.
func (r *Runner) Fail(ctx context.Context, task engine.Task, err error) {
	if r.metrics != nil {
		r.metrics.StepFailures.Add(ctx, 1)
	}
	level := slog.LevelError
	if errors.Is(err, persistence.ErrNotFound) {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "generation step failed",
		"prompt_id", task.Prompt.ID,
		"project_id", task.Prompt.Project,
		"error", err,
	)
}
