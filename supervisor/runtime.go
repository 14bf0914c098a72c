package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/persist"
	"github.com/e7canasta/orion-acq/proc"
)

// Runtime is a running pair of workers, inline or in processes.
type Runtime struct {
	Hardware hwctl.Controller
	Persist  PersistStatus

	onSegment atomic.Pointer[func(persist.Segment)]
	stops     []func(context.Context) error
}

// OnSegment sets the hook called for every closed segment.
func (r *Runtime) OnSegment(fn func(persist.Segment)) { r.onSegment.Store(&fn) }

func (r *Runtime) segmentClosed(seg persist.Segment) {
	if fn := r.onSegment.Load(); fn != nil {
		(*fn)(seg)
	}
}

// Stop stops the hardware worker first, so nothing new reaches the
// persistence worker, then the persistence worker.
func (r *Runtime) Stop(ctx context.Context) error {
	var errs []error
	for _, stop := range r.stops {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InlineOptions configures StartInline.
type InlineOptions struct {
	Device  hwctl.Device
	Worker  []hwctl.Option
	Persist persist.Config
	Ring    hwctl.RingWriter
}

// StartInline runs both workers as goroutines of this process. The worker
// lifetimes are not tied to ctx; use Runtime.Stop.
func StartInline(ctx context.Context, opts InlineOptions) (*Runtime, error) {
	rt := &Runtime{}

	pcfg := opts.Persist
	next := pcfg.OnSegment
	pcfg.OnSegment = func(seg persist.Segment) {
		if next != nil {
			next(seg)
		}
		rt.segmentClosed(seg)
	}

	pw, err := persist.NewWorker(pcfg)
	if err != nil {
		return nil, err
	}

	wopts := append([]hwctl.Option{}, opts.Worker...)
	wopts = append(wopts, hwctl.WithSink(pw))
	if opts.Ring != nil {
		wopts = append(wopts, hwctl.WithRing(opts.Ring))
	}
	hw, err := hwctl.NewWorker(opts.Device, wopts...)
	if err != nil {
		return nil, err
	}

	if err := pw.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	if err := hw.Start(context.WithoutCancel(ctx)); err != nil {
		pw.Stop(ctx)
		return nil, err
	}

	rt.Hardware = hw
	rt.Persist = pw
	rt.stops = []func(context.Context) error{hw.Stop, pw.Stop}

	slog.Info("supervisor: inline workers started")
	return rt, nil
}

// ProcessOptions configures StartProcesses.
type ProcessOptions struct {
	// Args returns the command line of the worker with the given role
	// ("hardware" or "persist"), for the running binary.
	Args func(role string) []string
	Env  []string

	HeartbeatInterval time.Duration
	GracePeriod       time.Duration

	// FrameCapacity of the owner-side frame queue.
	FrameCapacity int
}

// StartProcesses runs each worker in its own process. The hardware worker
// gets the writing end of the hand-off pipe as fd 3, the persistence worker
// the reading end.
func StartProcesses(ctx context.Context, opts ProcessOptions) (*Runtime, error) {
	if opts.Args == nil {
		return nil, fmt.Errorf("supervisor: worker arguments are required")
	}
	spawnCtx := context.WithoutCancel(ctx)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: hand-off pipe: %w", err)
	}
	// The children hold their own copies.
	defer pr.Close()
	defer pw.Close()

	persistProc, err := proc.Spawn(spawnCtx, proc.Config{
		Name:              "persist",
		Args:              opts.Args("persist"),
		Env:               opts.Env,
		ExtraFiles:        []*os.File{pr},
		HeartbeatInterval: opts.HeartbeatInterval,
		GracePeriod:       opts.GracePeriod,
	})
	if err != nil {
		return nil, err
	}

	hardwareProc, err := proc.Spawn(spawnCtx, proc.Config{
		Name:              "hardware",
		Args:              opts.Args("hardware"),
		Env:               opts.Env,
		ExtraFiles:        []*os.File{pw},
		HeartbeatInterval: opts.HeartbeatInterval,
		GracePeriod:       opts.GracePeriod,
	})
	if err != nil {
		persistProc.Stop(ctx)
		return nil, err
	}

	rt := &Runtime{}
	hw, err := NewHardware(hardwareProc, opts.FrameCapacity)
	if err != nil {
		hardwareProc.Stop(ctx)
		persistProc.Stop(ctx)
		return nil, err
	}
	ps := NewPersist(persistProc, rt.segmentClosed)

	rt.Hardware = hw
	rt.Persist = ps
	rt.stops = []func(context.Context) error{hw.Stop, ps.Stop}

	slog.Info("supervisor: worker processes started",
		"hardware_pid", hardwareProc.Pid(),
		"persist_pid", persistProc.Pid(),
	)
	return rt, nil
}
