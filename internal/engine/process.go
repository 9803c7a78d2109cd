package engine

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/ijave/internal/shared"
)

// Command describes how to start the engine.
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env map[string]string
	// ExitGrace is how long Close waits for a clean exit before killing.
	ExitGrace time.Duration
}

// Process is a running engine with a Channel on its stdio.
type Process struct {
	*Channel

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	grace  time.Duration
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Launch starts the engine. Its stderr is forwarded to logger at debug level.
func Launch(c Command, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// A plain pipe for stdout keeps cmd.Wait from closing our read end while
	// a reply is still being decoded.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start engine %q: %w", c.Path, err)
	}
	_ = stdoutW.Close()

	grace := c.ExitGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		grace:  grace,
		logger: logger.With("component", "engine", "pid", cmd.Process.Pid),
	}
	p.Channel = NewChannel(stdoutR, stdin, closerFunc(p.shutdown))

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Debug("engine stderr", "msg", scanner.Text())
		}
	}()

	if len(c.Env) > 0 {
		p.logger.Info("engine started", "path", c.Path, "env", shared.RedactEnv(c.Env))
	} else {
		p.logger.Info("engine started", "path", c.Path)
	}
	return p, nil
}

// Pid is the engine's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Close closes the channel, which closes the engine's stdin, waits for the
// engine to exit and kills it after the grace period.
func (p *Process) Close() error {
	return p.Channel.Close()
}

func (p *Process) shutdown() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()

		select {
		case err := <-done:
			p.closeErr = err
		case <-time.After(p.grace):
			p.logger.Warn("engine did not exit, killing")
			_ = p.cmd.Process.Kill()
			<-done
		}
		_ = p.stdout.Close()
		p.logger.Info("engine stopped")
	})
	return p.closeErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
