package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSupervisorClosed is returned by Exchange after Close.
var ErrSupervisorClosed = errors.New("engine supervisor closed")

// Supervisor owns the engine process and launches a new one when the
// previous one exited or its channel was closed by a failed exchange.
type Supervisor struct {
	cmd    Command
	logger *slog.Logger

	mu       sync.Mutex
	proc     *Process
	launches int
	closed   bool
}

func NewSupervisor(cmd Command, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cmd: cmd, logger: logger.With("component", "engine")}
}

// Start launches the first process so a broken command fails at startup.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.process()
	return err
}

// Exchange runs in on a live process, relaunching it first if needed. A
// failed exchange is not retried.
func (s *Supervisor) Exchange(ctx context.Context, in Input) (Output, error) {
	s.mu.Lock()
	proc, err := s.process()
	s.mu.Unlock()
	if err != nil {
		return Output{}, err
	}
	return proc.Exchange(ctx, in)
}

// Pid is the id of the current process, or 0 when none is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.State() == StateClosed {
		return 0
	}
	return s.proc.Pid()
}

// Launches counts the processes started so far.
func (s *Supervisor) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Close stops the current process. Later exchanges fail.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.proc == nil {
		return nil
	}
	return s.proc.Close()
}

// process must be called with mu held.
func (s *Supervisor) process() (*Process, error) {
	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if s.proc != nil && s.proc.State() == StateOpen {
		return s.proc, nil
	}
	if s.proc != nil {
		s.logger.Warn("engine channel closed, relaunching", "launches", s.launches)
		_ = s.proc.Close()
	}
	proc, err := Launch(s.cmd, s.logger)
	if err != nil {
		return nil, fmt.Errorf("launch engine: %w", err)
	}
	s.proc = proc
	s.launches++
	return proc, nil
}
