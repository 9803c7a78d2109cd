// Package cron runs a background job on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@hourly" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Name   string
	Spec   string
	Job    func(ctx context.Context) error
	Logger *slog.Logger
	// RunOnStart fires the job once immediately after Start.
	RunOnStart bool
}

// Scheduler fires Job at every activation of Spec.
type Scheduler struct {
	name       string
	schedule   cronlib.Schedule
	job        func(ctx context.Context) error
	logger     *slog.Logger
	runOnStart bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses cfg.Spec and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("cron %q: no job", cfg.Name)
	}
	schedule, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("cron %q: parse %q: %w", cfg.Name, cfg.Spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		name:       cfg.Name,
		schedule:   schedule,
		job:        cfg.Job,
		logger:     logger.With("component", "cron", "job", cfg.Name),
		runOnStart: cfg.RunOnStart,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.runOnStart {
		s.fire(ctx)
	}

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error("cron: job failed", "error", err)
		return
	}
	s.logger.Debug("cron: job fired", "duration", time.Since(start))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
