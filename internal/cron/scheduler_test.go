package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/ijave/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"@every 1m", base.Add(time.Minute)},
	}
	for _, tt := range tests {
		got, err := cron.NextRunTime(tt.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%s: next = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Name: "bad",
		Spec: "not a cron",
		Job:  func(context.Context) error { return nil },
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Name:       "resume",
		Spec:       "@hourly",
		Logger:     slog.Default(),
		RunOnStart: true,
		Job: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	sched.Stop()

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Name: "tick",
		Spec: "@every 1s",
		Job: func(context.Context) error {
			runs.Add(1)
			return errors.New("failures are logged, not fatal")
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3500*time.Millisecond, func() bool { return runs.Load() >= 2 })
}
