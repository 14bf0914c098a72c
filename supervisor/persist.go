package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/ipc"
	"github.com/e7canasta/orion-acq/persist"
	"github.com/e7canasta/orion-acq/proc"
)

// PersistStatus is the owner's read-only view of a persistence worker.
// *persist.Worker and *Persist implement it.
type PersistStatus interface {
	Stats() persist.Stats
}

var (
	_ PersistStatus = (*persist.Worker)(nil)
	_ PersistStatus = (*Persist)(nil)
)

// Persist is the owner-side proxy of a persistence worker process. Frames
// reach that process directly from the hardware worker; the owner only
// mirrors its statistics and receives closed segments.
type Persist struct {
	link      Link
	onSegment func(persist.Segment)

	mu    sync.Mutex
	stats persist.Stats

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewPersist starts proxying l. onSegment, if set, is called for every
// segment the worker closes, on the proxy's receive goroutine.
func NewPersist(l Link, onSegment func(persist.Segment)) *Persist {
	p := &Persist{
		link:      l,
		onSegment: onSegment,
		stats:     persist.Stats{State: persist.StateIdle},
		done:      make(chan struct{}),
	}
	go p.receive()
	return p
}

// Stats returns the most recent statistics reported by the worker.
func (p *Persist) Stats() persist.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Config sets the destination directly, bypassing the hardware worker.
func (p *Persist) Config(path string, maxBytes int64) error {
	return p.link.Send(ipc.KindSaveConfig, hwctl.SaveConfig{Path: path, MaxBytes: maxBytes})
}

// Done is closed when the worker's message stream has ended.
func (p *Persist) Done() <-chan struct{} { return p.done }

// Stop stops the worker process and waits for its last reports.
func (p *Persist) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.link.Stop(ctx)
		<-p.done
	})
	return p.stopErr
}

func (p *Persist) receive() {
	defer close(p.done)

	for env := range p.link.Messages() {
		switch env.Kind {
		case ipc.KindPersistStatus:
			var s persist.Stats
			if err := env.Decode(&s); err != nil {
				slog.Error("supervisor: bad persistence status", "error", err)
				continue
			}
			p.mu.Lock()
			p.stats = s
			p.mu.Unlock()

		case ipc.KindSegment:
			var seg persist.Segment
			if err := env.Decode(&seg); err != nil {
				slog.Error("supervisor: bad segment report", "error", err)
				continue
			}
			if p.onSegment != nil {
				p.onSegment(seg)
			}

		default:
			slog.Warn("supervisor: unexpected envelope from persistence worker", "kind", env.Kind)
		}
	}
}

// PersistOptions configures RunPersistWorker.
type PersistOptions struct {
	Worker persist.Config

	// StatusInterval between status reports. Zero uses
	// DefaultStatusInterval.
	StatusInterval time.Duration

	// DrainTimeout bounds how long a shutdown waits for the hand-off pipe
	// to reach EOF, so frames still in flight are written. Default 1s.
	DrainTimeout time.Duration

	// StopTimeout bounds the final flush. Default 5s.
	StopTimeout time.Duration
}

// RunPersistWorker is the body of the persistence worker process. Frames
// and destination changes arrive on pipe (from the hardware worker's
// PipeSink); the owner talks to it through child for heartbeats, shutdown
// and direct destination changes. Closed segments and statistics are
// reported back to the owner.
func RunPersistWorker(ctx context.Context, child *proc.Child, pipe io.Reader, opts PersistOptions) error {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	cfg := opts.Worker
	next := cfg.OnSegment
	cfg.OnSegment = func(seg persist.Segment) {
		if err := child.Send(ipc.KindSegment, seg); err != nil {
			slog.Warn("supervisor: segment report not delivered", "path", seg.Path, "error", err)
		}
		if next != nil {
			next(seg)
		}
	}

	w, err := persist.NewWorker(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The worker outlives the serve loop so a shutdown can flush it.
	if err := w.Start(context.Background()); err != nil {
		return err
	}

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if err := servePipe(ctx, pipe, w); err != nil {
			slog.Error("supervisor: persistence pipe failed", "error", err)
		}
	}()

	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		reportStatus(ctx, opts.StatusInterval, func() error {
			return child.Send(ipc.KindPersistStatus, w.Stats())
		})
	}()

	serveErr := child.Serve(ctx, func(env ipc.Envelope) {
		if env.Kind != ipc.KindSaveConfig {
			slog.Warn("supervisor: unexpected envelope from owner", "kind", env.Kind)
			return
		}
		var save hwctl.SaveConfig
		if err := env.Decode(&save); err != nil {
			slog.Error("supervisor: bad save config", "error", err)
			return
		}
		if err := w.Config(save.Path, save.MaxBytes); err != nil {
			slog.Warn("supervisor: save config rejected", "path", save.Path, "error", err)
		}
	})

	if serveErr == nil {
		select {
		case <-pipeDone:
		case <-time.After(opts.DrainTimeout):
			slog.Warn("supervisor: hand-off pipe still open at shutdown", "waited", opts.DrainTimeout)
		}
	}
	cancel()
	<-statusDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	stopErr := w.Stop(stopCtx)
	stopCancel()

	if err := child.Send(ipc.KindPersistStatus, w.Stats()); err != nil {
		slog.Debug("supervisor: final status not delivered", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	return stopErr
}
