package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/e7canasta/orion-acq/ipc"
)

// ErrOrphaned is returned by Child.Serve when the parent stopped sending
// heartbeats or closed stdin without a shutdown request.
var ErrOrphaned = errors.New("proc: parent gone")

// Child is the worker side of a Process.
type Child struct {
	dec      *ipc.Decoder
	enc      *ipc.Encoder
	lifeline time.Duration
}

// NewChild serves envelopes from in and writes replies to out. If no
// envelope arrives for lifeline the parent is considered gone; zero or less
// disables the check.
func NewChild(in io.Reader, out io.Writer, lifeline time.Duration) *Child {
	return &Child{dec: ipc.NewDecoder(in), enc: ipc.NewEncoder(out), lifeline: lifeline}
}

// NewStdioChild is NewChild on the process's stdin and stdout.
func NewStdioChild(lifeline time.Duration) *Child {
	return NewChild(os.Stdin, os.Stdout, lifeline)
}

// Send writes one envelope to the parent. Safe for concurrent use.
func (c *Child) Send(kind ipc.Kind, v any) error {
	return c.enc.Send(kind, v)
}

// Serve dispatches envelopes to handle until the parent asks for shutdown
// (returns nil), ctx ends (returns nil) or the parent is gone (ErrOrphaned).
// Heartbeats only refresh the lifeline.
func (c *Child) Serve(ctx context.Context, handle func(ipc.Envelope)) error {
	envs := make(chan ipc.Envelope)
	errs := make(chan error, 1)

	go func() {
		for {
			env, err := c.dec.Decode()
			if err != nil {
				errs <- err
				return
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	var lifeline <-chan time.Time
	var timer *time.Timer
	if c.lifeline > 0 {
		timer = time.NewTimer(c.lifeline)
		defer timer.Stop()
		lifeline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errs:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: stdin closed", ErrOrphaned)
			}
			return fmt.Errorf("proc: read from parent: %w", err)

		case <-lifeline:
			return fmt.Errorf("%w: no heartbeat for %v", ErrOrphaned, c.lifeline)

		case env := <-envs:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.lifeline)
			}

			switch env.Kind {
			case ipc.KindHeartbeat:
			case ipc.KindShutdown:
				return nil
			default:
				handle(env)
			}
		}
	}
}
