package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/queue"
)

const (
	DefaultBacklog        = 256
	DefaultConfigCapacity = 8
	DefaultPollWait       = 100 * time.Millisecond
)

// State of the persistence worker.
type State string

const (
	StateIdle    State = "idle"    // no destination configured
	StateWriting State = "writing" // destination open
	StateFailed  State = "failed"  // halted after an I/O error
)

// Config configures a Worker.
type Config struct {
	// Backlog bounds frames waiting to be written.
	Backlog int

	// ConfigCapacity bounds pending Config calls.
	ConfigCapacity int

	// PollWait is how long each cycle waits for a frame.
	PollWait time.Duration

	// OnSegment is called on the worker goroutine for every closed segment.
	OnSegment func(Segment)
}

// Stats is a snapshot of the worker.
type Stats struct {
	State         State  `msgpack:"state" json:"state"`
	Session       string `msgpack:"session" json:"session,omitempty"`
	Path          string `msgpack:"path" json:"path,omitempty"`
	Segment       int    `msgpack:"segment" json:"segment"`
	SegmentBytes  int64  `msgpack:"segment_bytes" json:"segment_bytes"`
	FramesWritten uint64 `msgpack:"frames_written" json:"frames_written"`
	BytesWritten  uint64 `msgpack:"bytes_written" json:"bytes_written"`
	Segments      uint64 `msgpack:"segments" json:"segments_closed"`
	Rejected      uint64 `msgpack:"rejected" json:"rejected"`
	Backlog       int    `msgpack:"backlog" json:"backlog"`
	LastError     string `msgpack:"last_error" json:"last_error,omitempty"`
}

type saveConfig struct {
	path     string
	maxBytes int64
}

// Worker writes frames to rotating files on its own goroutine.
//
// Two streams feed it: frames (Enqueue) and destination changes (Config).
// Each cycle takes at most one pending configuration without waiting, then
// waits up to PollWait for one frame, so neither stream starves the other.
// Frames that arrive before any configuration stay queued.
//
// Any filesystem error halts the worker: the segment is closed, queued
// frames are discarded and Enqueue returns ErrHalted until the next Config.
type Worker struct {
	cfg     Config
	frames  *queue.Bounded[*frame.Frame]
	configs chan saveConfig
	writer  *Writer

	// gate orders Enqueue's halted check and push against halt, so no
	// frame accepted before a halt survives its drain.
	gate     sync.RWMutex
	halted   atomic.Bool
	rejected atomic.Uint64
	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	stats Stats
}

// NewWorker creates a persistence worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Backlog == 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.ConfigCapacity == 0 {
		cfg.ConfigCapacity = DefaultConfigCapacity
	}
	if cfg.PollWait == 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.ConfigCapacity < 0 {
		return nil, fmt.Errorf("persist: config capacity must be > 0, got %d", cfg.ConfigCapacity)
	}
	if cfg.PollWait < 0 {
		return nil, fmt.Errorf("persist: poll wait must be > 0, got %v", cfg.PollWait)
	}

	frames, err := queue.NewBounded[*frame.Frame](cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("persist: backlog: %w", err)
	}

	w := &Worker{
		cfg:     cfg,
		frames:  frames,
		configs: make(chan saveConfig, cfg.ConfigCapacity),
		done:    make(chan struct{}),
		stats:   Stats{State: StateIdle},
	}
	w.writer = NewWriter(w.segmentClosed)
	return w, nil
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("persist: worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	slog.Info("persist: worker started", "backlog", w.cfg.Backlog, "poll_wait", w.cfg.PollWait)
	return nil
}

// Enqueue hands f to the worker without blocking.
func (w *Worker) Enqueue(f *frame.Frame) error {
	w.gate.RLock()
	defer w.gate.RUnlock()

	if w.halted.Load() {
		w.rejected.Add(1)
		return ErrHalted
	}
	if !w.frames.Push(f) {
		w.rejected.Add(1)
		return ErrBacklogFull
	}
	return nil
}

// Config changes the destination. The byte counter and segment index restart
// at zero and any existing file at the first segment name is replaced.
func (w *Worker) Config(path string, maxBytes int64) error {
	if path == "" {
		return fmt.Errorf("persist: empty output path")
	}
	select {
	case w.configs <- saveConfig{path: path, maxBytes: maxBytes}:
		return nil
	default:
		return ErrConfigQueueFull
	}
}

// Stats returns a snapshot.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	s := w.stats
	w.mu.Unlock()

	s.Rejected = w.rejected.Load()
	s.Backlog = w.frames.Len()
	return s
}

// Done is closed when the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop writes what is already queued, closes the open segment and waits for
// the worker to exit.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.cancel()

	select {
	case <-w.done:
		s := w.Stats()
		slog.Info("persist: worker stopped",
			"frames_written", s.FramesWritten,
			"segments", s.Segments,
			"rejected", s.Rejected,
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persist: stop: %w", ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			w.finish()
			return
		}

		select {
		case c := <-w.configs:
			w.configure(c)
		default:
		}

		if !w.writer.Configured() {
			// Nothing to write into: wait for a destination instead.
			select {
			case c := <-w.configs:
				w.configure(c)
			case <-ctx.Done():
			case <-time.After(w.cfg.PollWait):
			}
			continue
		}

		if f, ok := w.frames.Pop(w.cfg.PollWait); ok {
			w.write(f)
		}
	}
}

func (w *Worker) configure(c saveConfig) {
	err := w.writer.Configure(c.path, c.maxBytes)
	if err != nil && !w.writer.Configured() {
		w.halt(err)
		return
	}
	if err != nil {
		// Closing the previous segment failed; the new one is open.
		slog.Warn("persist: previous segment close failed", "error", err)
	}

	if w.halted.Load() {
		// Frames of the failed session must not reach the new one.
		if n := w.drain(); n > 0 {
			w.rejected.Add(uint64(n))
			slog.Debug("persist: discarded frames from halted session", "frames", n)
		}
		w.halted.Store(false)
	}
	path, index, _ := w.writer.Current()

	w.mu.Lock()
	w.stats.State = StateWriting
	w.stats.Session = w.writer.Session()
	w.stats.Path = path
	w.stats.Segment = index
	w.stats.SegmentBytes = 0
	w.stats.LastError = ""
	w.mu.Unlock()

	slog.Info("persist: configured", "path", c.path, "first_segment", path, "max_bytes", c.maxBytes)
}

func (w *Worker) write(f *frame.Frame) {
	a := f.Primary()
	if a == nil {
		w.rejected.Add(1)
		return
	}

	err := w.writer.Write(a)
	switch {
	case err == nil:
		path, index, written := w.writer.Current()
		w.mu.Lock()
		w.stats.FramesWritten++
		w.stats.BytesWritten += uint64(len(a.Data))
		w.stats.Path = path
		w.stats.Segment = index
		w.stats.SegmentBytes = written
		w.mu.Unlock()

	case errors.Is(err, ErrShapeMismatch):
		w.rejected.Add(1)
		slog.Warn("persist: frame rejected", "seq", f.Seq, "error", err)

	default:
		w.halt(err)
	}
}

func (w *Worker) halt(err error) {
	w.gate.Lock()
	w.halted.Store(true)
	w.gate.Unlock()

	if cerr := w.writer.Close(); cerr != nil {
		slog.Debug("persist: close after failure", "error", cerr)
	}

	discarded := w.drain()
	w.rejected.Add(uint64(discarded))

	w.mu.Lock()
	w.stats.State = StateFailed
	w.stats.Session = w.writer.Session()
	w.stats.LastError = err.Error()
	w.mu.Unlock()

	slog.Error("persist: writer halted", "error", err, "discarded", discarded)
}

// drain discards every queued frame and returns how many there were.
func (w *Worker) drain() int {
	n := 0
	for {
		if _, ok := w.frames.TryPop(); !ok {
			return n
		}
		n++
	}
}

// finish drains queued frames into the open segment and closes it.
func (w *Worker) finish() {
	if w.writer.Configured() && !w.halted.Load() {
		for {
			f, ok := w.frames.TryPop()
			if !ok {
				break
			}
			w.write(f)
			if w.halted.Load() {
				break
			}
		}
	}
	if err := w.writer.Close(); err != nil {
		slog.Error("persist: close on stop failed", "error", err)
	}

	w.mu.Lock()
	if w.stats.State == StateWriting {
		w.stats.State = StateIdle
	}
	w.mu.Unlock()
}

func (w *Worker) segmentClosed(seg Segment) {
	w.mu.Lock()
	w.stats.Segments++
	w.mu.Unlock()

	if w.cfg.OnSegment != nil {
		w.cfg.OnSegment(seg)
	}
}
