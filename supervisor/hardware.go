package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/ipc"
	"github.com/e7canasta/orion-acq/proc"
	"github.com/e7canasta/orion-acq/queue"
)

// DefaultStatusInterval is how often a worker process reports its status.
const DefaultStatusInterval = 50 * time.Millisecond

// Link is the owner's end of a worker process. *proc.Process implements it.
type Link interface {
	Send(kind ipc.Kind, v any) error
	Messages() <-chan ipc.Envelope
	Stop(ctx context.Context) error
}

var _ Link = (*proc.Process)(nil)

// Hardware is the owner-side proxy of a hardware worker running in another
// process. It implements hwctl.Controller: Send queues locally and a pump
// forwards commands in order; Status is a mirror refreshed from the worker's
// status reports; frames arriving from the worker land in a local bounded
// queue with the same drop-on-full rule as the worker's own queue.
type Hardware struct {
	link     Link
	status   *hwctl.Status
	frames   *queue.Bounded[*frame.Frame]
	commands *queue.Mailbox[hwctl.Message]

	// Frames dropped on the owner side, on top of the worker's count.
	dropped atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

var _ hwctl.Controller = (*Hardware)(nil)

// NewHardware starts proxying l.
func NewHardware(l Link, frameCapacity int) (*Hardware, error) {
	if frameCapacity <= 0 {
		frameCapacity = hwctl.DefaultFrameCapacity
	}
	frames, err := queue.NewBounded[*frame.Frame](frameCapacity)
	if err != nil {
		return nil, fmt.Errorf("supervisor: frame queue: %w", err)
	}

	h := &Hardware{
		link:     l,
		status:   hwctl.NewStatus(),
		frames:   frames,
		commands: queue.NewMailbox[hwctl.Message](),
		done:     make(chan struct{}),
	}

	h.wg.Add(2)
	go h.pump()
	go h.receive()
	return h, nil
}

func (h *Hardware) Send(msg hwctl.Message) error {
	if err := h.commands.Put(msg); err != nil {
		return hwctl.ErrStopped
	}
	return nil
}

func (h *Hardware) Status() hwctl.State                  { return h.status.State() }
func (h *Hardware) Saving() bool                         { return h.status.Saving() }
func (h *Hardware) Dropped() uint64                      { return h.status.Dropped() + h.dropped.Load() }
func (h *Hardware) Frames() *queue.Bounded[*frame.Frame] { return h.frames }

func (h *Hardware) Snapshot() hwctl.StatusSnapshot {
	snap := h.status.Snapshot()
	snap.Dropped += h.dropped.Load()
	return snap
}

// Done is closed when the worker's message stream has ended.
func (h *Hardware) Done() <-chan struct{} { return h.done }

// Stop stops forwarding commands and stops the worker process.
func (h *Hardware) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.commands.Close()
		h.stopErr = h.link.Stop(ctx)
		h.wg.Wait()
	})
	return h.stopErr
}

func (h *Hardware) pump() {
	defer h.wg.Done()
	for {
		msg, ok := h.commands.Get(-1)
		if !ok {
			return
		}
		if err := h.link.Send(ipc.KindCommand, msg); err != nil {
			slog.Warn("supervisor: command not delivered", "kind", msg.Kind, "error", err)
			if errors.Is(err, proc.ErrExited) {
				h.commands.Close()
				return
			}
		}
	}
}

func (h *Hardware) receive() {
	defer h.wg.Done()
	defer close(h.done)

	for env := range h.link.Messages() {
		switch env.Kind {
		case ipc.KindStatus:
			var snap hwctl.StatusSnapshot
			if err := env.Decode(&snap); err != nil {
				slog.Error("supervisor: bad status report", "error", err)
				continue
			}
			h.status.Apply(snap)

		case ipc.KindFrame:
			f := new(frame.Frame)
			if err := env.Decode(f); err != nil {
				slog.Error("supervisor: bad frame", "error", err)
				continue
			}
			if !h.frames.Push(f) {
				h.dropped.Add(1)
			}

		default:
			slog.Warn("supervisor: unexpected envelope from hardware worker", "kind", env.Kind)
		}
	}

	// No more reports: the worker is gone whatever it last said.
	last := h.status.Snapshot()
	last.State = hwctl.Exiting
	last.Saving = false
	last.AcquiringSince = time.Time{}
	h.status.Apply(last)
}

// HardwareOptions configures RunHardwareWorker.
type HardwareOptions struct {
	Worker []hwctl.Option
	Sink   hwctl.Sink
	Ring   hwctl.RingWriter

	// StatusInterval between status reports. Zero uses
	// DefaultStatusInterval.
	StatusInterval time.Duration

	// StopGrace bounds the final worker stop.
	StopGrace time.Duration
}

// RunHardwareWorker is the body of the hardware worker process. It runs a
// hwctl.Worker for dev, applies commands arriving on child, reports status
// and forwards every frame the worker queues. It returns when the parent
// asks for shutdown, the worker exits after Close, or the parent is gone
// (proc.ErrOrphaned).
func RunHardwareWorker(ctx context.Context, child *proc.Child, dev hwctl.Device, opts HardwareOptions) error {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = hwctl.DefaultStopGrace
	}

	wopts := append([]hwctl.Option{}, opts.Worker...)
	if opts.Sink != nil {
		wopts = append(wopts, hwctl.WithSink(opts.Sink))
	}
	if opts.Ring != nil {
		wopts = append(wopts, hwctl.WithRing(opts.Ring))
	}
	w, err := hwctl.NewWorker(dev, wopts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return err
	}

	// Close makes the worker exit on its own; take the process down with it.
	go func() {
		select {
		case <-w.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		uplinkFrames(ctx, child, w.Frames())
	}()
	go func() {
		defer wg.Done()
		reportStatus(ctx, opts.StatusInterval, func() error {
			return child.Send(ipc.KindStatus, w.Snapshot())
		})
	}()

	serveErr := child.Serve(ctx, func(env ipc.Envelope) {
		if env.Kind != ipc.KindCommand {
			slog.Warn("supervisor: unexpected envelope from owner", "kind", env.Kind)
			return
		}
		var msg hwctl.Message
		if err := env.Decode(&msg); err != nil {
			slog.Error("supervisor: bad command", "error", err)
			return
		}
		if err := w.Send(msg); err != nil {
			slog.Warn("supervisor: command after stop", "kind", msg.Kind, "error", err)
		}
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopGrace)
	stopErr := w.Stop(stopCtx)
	stopCancel()

	cancel()
	wg.Wait()

	if err := child.Send(ipc.KindStatus, w.Snapshot()); err != nil {
		slog.Debug("supervisor: final status not delivered", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

func uplinkFrames(ctx context.Context, child *proc.Child, frames *queue.Bounded[*frame.Frame]) {
	for {
		f, err := frames.PopContext(ctx)
		if err != nil {
			return
		}
		if err := child.Send(ipc.KindFrame, f); err != nil {
			slog.Error("supervisor: frame uplink failed", "seq", f.Seq, "error", err)
			return
		}
	}
}

// reportStatus calls send every interval until ctx ends or send fails.
func reportStatus(ctx context.Context, interval time.Duration, send func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				slog.Debug("supervisor: status report failed", "error", err)
				return
			}
		}
	}
}
