package hwctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/queue"
)

const (
	DefaultFrameCapacity          = 1024
	DefaultIdleWait               = 500 * time.Millisecond
	DefaultDeviceTimeout          = time.Second
	DefaultMaxConsecutiveFailures = 50
	DefaultStopGrace              = 2 * time.Second
)

type workerConfig struct {
	name          string
	frameCapacity int
	idleWait      time.Duration
	deviceTimeout time.Duration
	maxFailures   int
	stopGrace     time.Duration
	sink          Sink
	ring          RingWriter
}

// Option configures a Worker.
type Option func(*workerConfig)

// WithName sets the name used in logs and as the default frame source.
func WithName(name string) Option { return func(c *workerConfig) { c.name = name } }

// WithFrameCapacity sets the frame queue capacity.
func WithFrameCapacity(n int) Option { return func(c *workerConfig) { c.frameCapacity = n } }

// WithIdleWait bounds how long an idle worker waits for a command before
// re-checking the exit flag.
func WithIdleWait(d time.Duration) Option { return func(c *workerConfig) { c.idleWait = d } }

// WithDeviceTimeout bounds a single AcquireFrame call.
func WithDeviceTimeout(d time.Duration) Option { return func(c *workerConfig) { c.deviceTimeout = d } }

// WithMaxConsecutiveFailures sets how many failed polls in a row stop
// acquisition. Zero disables the cap.
func WithMaxConsecutiveFailures(n int) Option { return func(c *workerConfig) { c.maxFailures = n } }

// WithStopGrace sets how long Stop waits for the loop to exit.
func WithStopGrace(d time.Duration) Option { return func(c *workerConfig) { c.stopGrace = d } }

// WithSink attaches the persistence sink used while saving.
func WithSink(s Sink) Option { return func(c *workerConfig) { c.sink = s } }

// WithRing mirrors every frame's primary payload into r.
func WithRing(r RingWriter) Option { return func(c *workerConfig) { c.ring = r } }

// Worker runs the acquisition loop for one Device.
//
// The owner talks to it through Send (commands, FIFO, no acknowledgement),
// the Status getters (non-blocking) and Frames (the bounded frame queue the
// owner drains). All device calls happen on the worker goroutine.
type Worker struct {
	dev      Device
	cfg      workerConfig
	status   *Status
	frames   *queue.Bounded[*frame.Frame]
	commands *queue.Mailbox[Message]

	exit    atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-owned.
	opened    bool
	openCfg   *OpenConfig
	seq       uint64
	closeOnce sync.Once
}

// NewWorker creates a worker for dev. Fails fast on invalid options.
func NewWorker(dev Device, opts ...Option) (*Worker, error) {
	if dev == nil {
		return nil, fmt.Errorf("hwctl: device is required")
	}

	cfg := workerConfig{
		name:          "hardware",
		frameCapacity: DefaultFrameCapacity,
		idleWait:      DefaultIdleWait,
		deviceTimeout: DefaultDeviceTimeout,
		maxFailures:   DefaultMaxConsecutiveFailures,
		stopGrace:     DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.idleWait <= 0 {
		return nil, fmt.Errorf("hwctl: idle wait must be > 0, got %v", cfg.idleWait)
	}
	if cfg.deviceTimeout <= 0 {
		return nil, fmt.Errorf("hwctl: device timeout must be > 0, got %v", cfg.deviceTimeout)
	}
	if cfg.maxFailures < 0 {
		return nil, fmt.Errorf("hwctl: max consecutive failures must be >= 0, got %d", cfg.maxFailures)
	}

	frames, err := queue.NewBounded[*frame.Frame](cfg.frameCapacity)
	if err != nil {
		return nil, fmt.Errorf("hwctl: frame queue: %w", err)
	}

	return &Worker{
		dev:      dev,
		cfg:      cfg,
		status:   NewStatus(),
		frames:   frames,
		commands: queue.NewMailbox[Message](),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(loopCtx)

	slog.Info("hwctl: worker started",
		"worker", w.cfg.name,
		"frame_capacity", w.cfg.frameCapacity,
		"idle_wait", w.cfg.idleWait,
		"max_failures", w.cfg.maxFailures,
	)
	return nil
}

// Send enqueues msg for the worker. It never waits for the worker.
func (w *Worker) Send(msg Message) error {
	if err := w.commands.Put(msg); err != nil {
		return ErrStopped
	}
	return nil
}

func (w *Worker) Status() State                        { return w.status.State() }
func (w *Worker) Saving() bool                         { return w.status.Saving() }
func (w *Worker) Dropped() uint64                      { return w.status.Dropped() }
func (w *Worker) Snapshot() StatusSnapshot             { return w.status.Snapshot() }
func (w *Worker) Frames() *queue.Bounded[*frame.Frame] { return w.frames }

// Done is closed when the loop has exited and the device is closed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop sets the exit flag and waits for the loop to finish. If it does not
// finish within the grace period the loop context is cancelled and
// ErrStopTimeout is returned.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return ErrNotStarted
	}

	w.exit.Store(true)
	w.commands.Close()

	timer := time.NewTimer(w.cfg.stopGrace)
	defer timer.Stop()

	select {
	case <-w.done:
		w.cancel()
		slog.Info("hwctl: worker stopped",
			"worker", w.cfg.name,
			"acquired", w.status.acquired.Load(),
			"dropped", w.status.Dropped(),
		)
		return nil
	case <-timer.C:
		w.cancel()
		slog.Warn("hwctl: worker stop timeout", "worker", w.cfg.name, "grace", w.cfg.stopGrace)
		return ErrStopTimeout
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.shutdown()

	for {
		if w.exit.Load() || ctx.Err() != nil {
			return
		}

		switch w.status.State() {
		case Exiting:
			return

		case Acquiring:
			// At most one command per frame keeps acquisition responsive
			// without letting a command burst starve the device.
			if msg, ok := w.commands.TryGet(); ok {
				w.apply(ctx, msg)
			}
			if w.status.State() == Acquiring && !w.exit.Load() {
				w.acquireOne(ctx)
			}

		default:
			if msg, ok := w.commands.Get(w.cfg.idleWait); ok {
				w.apply(ctx, msg)
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, msg Message) {
	state := w.status.State()

	switch msg.Kind {
	case KindOpen:
		if state != NotReady {
			w.ignore(msg, state)
			return
		}
		w.open(ctx, msg.Open)

	case KindClose:
		slog.Info("hwctl: close requested", "worker", w.cfg.name, "state", state)
		w.exit.Store(true)

	case KindStartAcquisition:
		if state != Ready {
			w.ignore(msg, state)
			return
		}
		if err := w.dev.Handle(ctx, msg); err != nil {
			w.fail("start acquisition failed", fmt.Errorf("hwctl: start: %w", err))
			return
		}
		w.status.failures.Store(0)
		w.status.setState(Acquiring)
		slog.Info("hwctl: acquisition started", "worker", w.cfg.name)

	case KindStopAcquisition:
		if state != Acquiring {
			w.ignore(msg, state)
			return
		}
		w.stopAcquisition(ctx, msg)

	case KindUpdateAcquisition:
		if state != Ready && state != Acquiring {
			w.ignore(msg, state)
			return
		}
		if msg.Waveforms == nil {
			w.fail("update rejected", fmt.Errorf("hwctl: update without waveforms"))
			return
		}
		if err := msg.Waveforms.Validate(); err != nil {
			w.fail("update rejected", err)
			return
		}
		if err := w.dev.Handle(ctx, msg); err != nil {
			w.fail("update acquisition failed", fmt.Errorf("hwctl: update: %w", err))
			return
		}
		slog.Info("hwctl: acquisition updated", "worker", w.cfg.name, "samples", msg.Waveforms.Len())

	case KindBeginSave:
		w.beginSave(msg.Save)

	case KindEndSave:
		if w.status.saving.Swap(false) {
			slog.Info("hwctl: saving stopped", "worker", w.cfg.name)
		}

	default:
		slog.Warn("hwctl: unknown message", "worker", w.cfg.name, "kind", msg.Kind)
	}
}

func (w *Worker) open(ctx context.Context, cfg *OpenConfig) {
	if cfg == nil {
		w.fail("open rejected", fmt.Errorf("hwctl: open without configuration"))
		return
	}

	if err := w.dev.Setup(ctx, cfg); err != nil {
		w.fail("device setup failed", fmt.Errorf("hwctl: setup: %w", err))
		return
	}

	w.opened = true
	w.openCfg = cfg
	w.status.setError(nil)
	w.status.setSession(uuid.NewString())
	w.status.setState(Ready)

	slog.Info("hwctl: device ready",
		"worker", w.cfg.name,
		"camera", cfg.CameraDevice,
		"dac", cfg.DACDevice,
		"samples_per_line", cfg.Geometry.SamplesPerLine,
		"lines_per_group", cfg.Geometry.LinesPerGroup,
	)
}

func (w *Worker) stopAcquisition(ctx context.Context, msg Message) {
	if err := w.dev.Handle(ctx, msg); err != nil {
		// The loop stops polling regardless; the device is expected to
		// recover on the next start.
		w.fail("stop acquisition failed", fmt.Errorf("hwctl: stop: %w", err))
	}
	w.status.setState(Ready)
	slog.Info("hwctl: acquisition stopped", "worker", w.cfg.name, "acquired", w.status.acquired.Load())
}

func (w *Worker) beginSave(save *SaveConfig) {
	if w.cfg.sink == nil {
		w.fail("begin save rejected", ErrNoSink)
		return
	}

	var path string
	var maxBytes int64
	if save != nil {
		path, maxBytes = save.Path, save.MaxBytes
	}
	if path == "" && w.openCfg != nil {
		path = w.openCfg.OutputPath
	}
	if maxBytes <= 0 && w.openCfg != nil {
		maxBytes = w.openCfg.MaxFileBytes
	}
	if path == "" {
		w.fail("begin save rejected", fmt.Errorf("hwctl: no output path"))
		return
	}

	if err := w.cfg.sink.Config(path, maxBytes); err != nil {
		w.fail("begin save rejected", fmt.Errorf("hwctl: configure sink: %w", err))
		return
	}
	w.status.saving.Store(true)
	slog.Info("hwctl: saving started", "worker", w.cfg.name, "path", path, "max_bytes", maxBytes)
}

func (w *Worker) acquireOne(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.deviceTimeout)
	f, err := w.dev.AcquireFrame(actx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := w.status.failures.Add(1)
		slog.Debug("hwctl: acquire failed", "worker", w.cfg.name, "consecutive", n, "error", err)

		if w.cfg.maxFailures > 0 && int(n) >= w.cfg.maxFailures {
			w.fail("acquisition stalled", fmt.Errorf("%w after %d failed polls: %v", ErrAcquisitionStalled, n, err))
			w.stopAcquisition(ctx, StopMessage())
		}
		return
	}
	if f == nil {
		return
	}

	w.status.failures.Store(0)
	w.seq++
	f.Seq = w.seq
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	if f.Source == "" {
		f.Source = w.cfg.name
	}

	if !w.frames.Push(f) {
		w.status.dropped.Add(1)
		slog.Debug("hwctl: frame queue full, dropped", "worker", w.cfg.name, "seq", f.Seq)
	}

	if w.status.Saving() {
		if err := w.cfg.sink.Enqueue(f); err != nil {
			w.status.rejected.Add(1)
			slog.Debug("hwctl: sink rejected frame", "worker", w.cfg.name, "seq", f.Seq, "error", err)
		}
	}

	if w.cfg.ring != nil {
		if p := f.Primary(); p != nil {
			if _, err := w.cfg.ring.Put(p.Data); err != nil {
				slog.Debug("hwctl: ring put skipped", "worker", w.cfg.name, "seq", f.Seq, "error", err)
			}
		}
	}

	w.status.acquired.Add(1)
}

// shutdown releases the device once and publishes Exiting.
func (w *Worker) shutdown() {
	w.commands.Close()
	w.status.saving.Store(false)

	w.closeOnce.Do(func() {
		if !w.opened {
			return
		}
		if w.status.State() == Acquiring {
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.deviceTimeout)
			if err := w.dev.Handle(ctx, StopMessage()); err != nil {
				slog.Warn("hwctl: stop on shutdown failed", "worker", w.cfg.name, "error", err)
			}
			cancel()
		}
		if err := w.dev.Close(); err != nil {
			slog.Error("hwctl: device close failed", "worker", w.cfg.name, "error", err)
		}
	})

	w.status.setState(Exiting)
	slog.Info("hwctl: worker exiting", "worker", w.cfg.name, "dropped", w.status.Dropped())
}

func (w *Worker) ignore(msg Message, state State) {
	slog.Debug("hwctl: message ignored", "worker", w.cfg.name, "kind", msg.Kind, "state", state)
}

func (w *Worker) fail(what string, err error) {
	w.status.setError(err)
	if errors.Is(err, ErrAcquisitionStalled) {
		slog.Error("hwctl: "+what, "worker", w.cfg.name, "error", err)
		return
	}
	slog.Warn("hwctl: "+what, "worker", w.cfg.name, "error", err)
}
