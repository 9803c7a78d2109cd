package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	// ErrChannelClosed is returned by Exchange once the channel is closed.
	ErrChannelClosed = errors.New("engine channel closed")
	// ErrEngineExited means the engine's output ended: the process is gone.
	ErrEngineExited = errors.New("engine exited")
	// ErrEngineFailed wraps a step failure reported by a live engine.
	ErrEngineFailed = errors.New("engine step failed")
)

// State is the lifecycle of a Channel.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Channel carries one request/reply exchange at a time to the engine.
//
// Any transport failure closes the channel, because the byte stream can no
// longer be trusted to be aligned on frame boundaries.
type Channel struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	mu        sync.Mutex // serializes Exchange
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps a reader/writer pair. closer, when not nil, is called once
// when the channel closes and must unblock pending reads.
func NewChannel(r io.Reader, w io.Writer, closer io.Closer) *Channel {
	return &Channel{
		r:      bufio.NewReader(r),
		w:      w,
		closer: closer,
	}
}

func (c *Channel) State() State {
	if c.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

// Exchange sends in and waits for the matching reply.
func (c *Channel) Exchange(ctx context.Context, in Input) (Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return Output{}, ErrChannelClosed
	}

	type result struct {
		out Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if err := WriteFrame(c.w, in); err != nil {
			ch <- result{err: err}
			return
		}
		var out Output
		err := ReadFrame(c.r, &out)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = c.Close()
		return Output{}, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			_ = c.Close()
			if exited(res.err) {
				return Output{}, fmt.Errorf("%w: %v", ErrEngineExited, res.err)
			}
			return Output{}, res.err
		}
		if res.out.Task.Prompt.ID != in.Task.Prompt.ID {
			_ = c.Close()
			return Output{}, fmt.Errorf("engine replied for prompt %s while %s was pending", res.out.Task.Prompt.ID, in.Task.Prompt.ID)
		}
		if res.out.Error != "" {
			return Output{}, fmt.Errorf("%w: %s", ErrEngineFailed, res.out.Error)
		}
		return res.out, nil
	}
}

// Close moves the channel to the closed state. It is safe to call more than
// once; only the first call reaches the closer.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

func exited(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}
