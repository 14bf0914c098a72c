package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/ipc"
	"github.com/e7canasta/orion-acq/persist"
	"github.com/e7canasta/orion-acq/queue"
)

// DefaultPipeBacklog bounds frames waiting to cross the hand-off pipe.
const DefaultPipeBacklog = 64

// pipeItem is either a destination change or a frame. Both travel through
// one queue so a frame never overtakes the Config that precedes it.
type pipeItem struct {
	save  *hwctl.SaveConfig
	frame *frame.Frame
}

// PipeSink is the hardware worker's hwctl.Sink in process mode: frames and
// destination changes go to the persistence process over a pipe.
//
// Enqueue and Config never block the acquisition loop; a sender goroutine
// owns the pipe. When the backlog is full the frame is rejected.
type PipeSink struct {
	enc   *ipc.Encoder
	w     io.Closer
	items *queue.Bounded[pipeItem]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	broken error
}

// NewPipeSink starts a sender writing to w. backlog <= 0 uses
// DefaultPipeBacklog.
func NewPipeSink(ctx context.Context, w io.WriteCloser, backlog int) (*PipeSink, error) {
	if backlog <= 0 {
		backlog = DefaultPipeBacklog
	}
	items, err := queue.NewBounded[pipeItem](backlog)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &PipeSink{
		enc:    ipc.NewEncoder(w),
		w:      w,
		items:  items,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.send(ctx)
	return s, nil
}

// Config forwards a destination change.
func (s *PipeSink) Config(path string, maxBytes int64) error {
	if err := s.err(); err != nil {
		return err
	}
	if !s.items.Push(pipeItem{save: &hwctl.SaveConfig{Path: path, MaxBytes: maxBytes}}) {
		return persist.ErrConfigQueueFull
	}
	return nil
}

// Enqueue forwards a frame.
func (s *PipeSink) Enqueue(f *frame.Frame) error {
	if err := s.err(); err != nil {
		return err
	}
	if !s.items.Push(pipeItem{frame: f}) {
		return persist.ErrBacklogFull
	}
	return nil
}

// Close flushes what is queued and closes the pipe; the reader sees EOF.
func (s *PipeSink) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.w.Close()
}

func (s *PipeSink) send(ctx context.Context) {
	defer s.wg.Done()

	for {
		item, err := s.items.PopContext(ctx)
		if err != nil {
			// Flush whatever made it into the queue before shutdown.
			for {
				item, ok := s.items.TryPop()
				if !ok || s.write(item) != nil {
					return
				}
			}
		}
		if err := s.write(item); err != nil {
			return
		}
	}
}

func (s *PipeSink) write(item pipeItem) error {
	var err error
	if item.save != nil {
		err = s.enc.Send(ipc.KindSaveConfig, item.save)
	} else {
		err = s.enc.Send(ipc.KindFrame, item.frame)
	}
	if err != nil {
		s.mu.Lock()
		s.broken = err
		s.mu.Unlock()
		slog.Error("supervisor: persistence pipe broken", "error", err)
	}
	return err
}

func (s *PipeSink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return errors.Join(persist.ErrHalted, s.broken)
	}
	return nil
}

// servePipe feeds a persistence worker from the reading end of a PipeSink
// until EOF or ctx ends.
func servePipe(ctx context.Context, r io.Reader, w *persist.Worker) error {
	dec := ipc.NewDecoder(r)
	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch env.Kind {
		case ipc.KindSaveConfig:
			var save hwctl.SaveConfig
			if err := env.Decode(&save); err != nil {
				slog.Error("supervisor: bad save config", "error", err)
				continue
			}
			if err := w.Config(save.Path, save.MaxBytes); err != nil {
				slog.Warn("supervisor: save config rejected", "path", save.Path, "error", err)
			}

		case ipc.KindFrame:
			var f frame.Frame
			if err := env.Decode(&f); err != nil {
				slog.Error("supervisor: bad frame", "error", err)
				continue
			}
			if err := w.Enqueue(&f); err != nil {
				slog.Debug("supervisor: frame not persisted", "seq", f.Seq, "error", err)
			}

		default:
			slog.Warn("supervisor: unexpected envelope on persistence pipe", "kind", env.Kind)
		}
	}
}
