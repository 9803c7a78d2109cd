package generate

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ijave/internal/bus"
	"github.com/basket/ijave/internal/cron"
	"github.com/basket/ijave/internal/engine"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/executor"
	"github.com/basket/ijave/internal/otel"
	"github.com/basket/ijave/internal/persistence"
)

// DefaultResumeSpec is how often stalled jobs are rescheduled.
const DefaultResumeSpec = "@every 1m"

// Config holds the dependencies of a Runner and a Service.
type Config struct {
	Store   *persistence.Store
	Engine  Exchanger
	Broker  *bus.Broker
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	// ResumeSpec is the cron expression of the resume sweep. Empty disables
	// the sweep.
	ResumeSpec string
	// StepTimeout bounds one engine exchange. Zero means no limit.
	StepTimeout time.Duration
	// AutoContinue schedules the next step as soon as one completes instead
	// of waiting for a client to ask for it.
	AutoContinue bool
}

// Ticket reports what Generate did for a prompt.
type Ticket struct {
	Prompt   ent.PromptID `json:"prompt"`
	Width    int          `json:"image_width"`
	Height   int          `json:"image_height"`
	Progress float64      `json:"progress"`
	// Queued is false when the job was complete or already waiting.
	Queued bool `json:"queued"`
}

// Service owns the single engine worker. Each prompt is scheduled at most
// once at a time.
type Service struct {
	store        *persistence.Store
	runner       *Runner
	exec         *executor.Executor[engine.Task, *Result]
	logger       *slog.Logger
	metrics      *otel.Metrics
	autoContinue bool
	resumeSpec   string

	mu      sync.Mutex
	pending map[ent.PromptID]struct{}
	sweep   *cron.Scheduler
}

// NewService wires a Service. Call Start before expecting progress.
func NewService(cfg Config) *Service {
	runner := NewRunner(cfg)
	s := &Service{
		store:        cfg.Store,
		runner:       runner,
		logger:       runner.logger,
		metrics:      cfg.Metrics,
		autoContinue: cfg.AutoContinue,
		resumeSpec:   cfg.ResumeSpec,
		pending:      make(map[ent.PromptID]struct{}),
	}
	s.exec = executor.New(executor.Config[engine.Task, *Result]{
		Execute:    s.execute,
		OnComplete: s.complete,
		OnError:    s.fail,
		Logger:     runner.logger,
	})
	return s
}

// Start launches the worker and, when configured, the resume sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.exec.Start(ctx); err != nil {
		return err
	}
	if s.resumeSpec == "" {
		return nil
	}
	sweep, err := cron.NewScheduler(cron.Config{
		Name:       "resume",
		Spec:       s.resumeSpec,
		Job:        s.Resume,
		Logger:     s.logger,
		RunOnStart: true,
	})
	if err != nil {
		s.exec.Stop()
		return err
	}
	s.mu.Lock()
	s.sweep = sweep
	s.mu.Unlock()
	sweep.Start(ctx)
	return nil
}

// Stop halts the sweep, lets the running step finish and drops the queue.
func (s *Service) Stop() {
	s.mu.Lock()
	sweep := s.sweep
	s.sweep = nil
	s.mu.Unlock()
	if sweep != nil {
		sweep.Stop()
	}
	if dropped := s.exec.Stop(); dropped > 0 && s.metrics != nil {
		s.metrics.QueueDepth.Add(context.Background(), -int64(dropped))
	}
}

// Generate schedules the next step of prompt's job, sized by its project.
func (s *Service) Generate(ctx context.Context, prompt ent.PromptID) (Ticket, error) {
	var (
		p       ent.Prompt
		project ent.Project
		cached  ent.GenerationCache
	)
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		if p, err = tx.Prompts().Load(ctx, prompt); err != nil {
			return err
		}
		if project, err = tx.Projects().Load(ctx, p.Project); err != nil {
			return err
		}
		cached, err = tx.Caches().Load(ctx, ent.GenerationCacheIDFromPromptID(prompt))
		return err
	})
	if err != nil {
		return Ticket{}, fmt.Errorf("generate prompt %s: %w", prompt, err)
	}

	project, err = project.Normalized()
	if err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{
		Prompt:   prompt,
		Width:    project.Width,
		Height:   project.Height,
		Progress: cached.Progress(),
	}
	if cached.Complete() {
		return ticket, nil
	}
	ticket.Queued = s.schedule(engine.Task{
		Prompt: p,
		Width:  project.Width,
		Height: project.Height,
		Seed:   seed(prompt),
	})
	return ticket, nil
}

// Resume schedules every incomplete job.
func (s *Service) Resume(ctx context.Context) error {
	var caches []ent.GenerationCache
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		caches, err = tx.Caches().Incomplete(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	queued := 0
	for _, c := range caches {
		ticket, err := s.Generate(ctx, c.ID.PromptID())
		if err != nil {
			s.logger.Warn("resume: skipping prompt", "prompt_id", c.ID.PromptID(), "error", err)
			continue
		}
		if ticket.Queued {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info("resumed generation jobs", "queued", queued, "incomplete", len(caches))
	}
	return nil
}

// Current returns the task the engine is working on, if any.
func (s *Service) Current() (engine.Task, bool) {
	return s.exec.Task()
}

func (s *Service) State() executor.State {
	return s.exec.State()
}

// Pending is the number of tasks waiting behind the current one.
func (s *Service) Pending() int {
	return s.exec.Pending()
}

func (s *Service) schedule(task engine.Task) bool {
	s.mu.Lock()
	if _, ok := s.pending[task.Prompt.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.pending[task.Prompt.ID] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.Add(context.Background(), 1)
	}
	s.exec.Schedule(task)
	return true
}

// release must run before the outcome is published so that a client reacting
// to the notification can schedule the prompt again.
func (s *Service) release(prompt ent.PromptID) {
	s.mu.Lock()
	delete(s.pending, prompt)
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, task engine.Task) (*Result, error) {
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, -1)
	}
	return s.runner.Execute(ctx, task)
}

func (s *Service) complete(ctx context.Context, task engine.Task, res *Result) {
	s.release(task.Prompt.ID)
	s.runner.Complete(ctx, task, res)
	if s.autoContinue && res != nil && res.Progress < 1 {
		s.schedule(task)
	}
}

func (s *Service) fail(ctx context.Context, task engine.Task, err error) {
	s.release(task.Prompt.ID)
	s.runner.Fail(ctx, task, err)
}

// seed derives a stable engine seed from the prompt identifier.
func seed(prompt ent.PromptID) int64 {
	return int64(binary.BigEndian.Uint64(prompt.Bytes()[:8]))
}
