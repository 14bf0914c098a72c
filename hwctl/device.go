package hwctl

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/queue"
)

var (
	// ErrNotStarted is returned by operations that need a running worker.
	ErrNotStarted = errors.New("hwctl: worker not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("hwctl: worker already started")

	// ErrStopped is returned by Send after the worker has stopped.
	ErrStopped = errors.New("hwctl: worker stopped")

	// ErrStopTimeout is returned by Stop when the loop did not exit within
	// the grace period.
	ErrStopTimeout = errors.New("hwctl: worker did not stop within grace period")

	// ErrAcquisitionStalled is recorded when too many consecutive polls fail.
	ErrAcquisitionStalled = errors.New("hwctl: acquisition stalled")

	// ErrNoSink is recorded when BeginSave arrives without a sink attached.
	ErrNoSink = errors.New("hwctl: no persistence sink attached")
)

// Device is the capability set of one hardware profile. The worker owns the
// state machine and calls into the device only for valid transitions.
//
// Setup opens and configures the hardware. If it fails it must release
// whatever it acquired; Close is only called after a successful Setup.
//
// Handle applies the side effects of StartAcquisition, StopAcquisition and
// UpdateAcquisition. The worker has already validated the transition.
//
// AcquireFrame polls for the next frame. (nil, nil) means nothing was ready
// this cycle; an error is a failed poll. Implementations must honour ctx.
//
// All methods are called from the worker goroutine only.
type Device interface {
	Setup(ctx context.Context, cfg *OpenConfig) error
	Handle(ctx context.Context, msg Message) error
	AcquireFrame(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Sink receives frames while saving is on. Both calls must not block the
// acquisition loop.
type Sink interface {
	Config(path string, maxBytes int64) error
	Enqueue(f *frame.Frame) error
}

// RingWriter mirrors each frame's primary payload for zero-copy display.
type RingWriter interface {
	Put(p []byte) (uint64, error)
}

// Controller is the owner's view of a hardware worker, whether it runs as a
// goroutine (Worker) or in a child process.
type Controller interface {
	Send(msg Message) error
	Status() State
	Saving() bool
	Dropped() uint64
	Snapshot() StatusSnapshot
	Frames() *queue.Bounded[*frame.Frame]
}
