package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-acq/device/sim"
	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/ipc"
	"github.com/e7canasta/orion-acq/proc"
)

func startHardware(t *testing.T, opts HardwareOptions) (*Hardware, *memLink) {
	t.Helper()
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 5 * time.Millisecond
	}
	opts.Worker = append(opts.Worker, hwctl.WithIdleWait(5*time.Millisecond))

	l := newMemLink(func(child *proc.Child) error {
		dev := sim.New(sim.Options{FrameInterval: 2 * time.Millisecond})
		return RunHardwareWorker(context.Background(), child, dev, opts)
	})
	h, err := NewHardware(l, 16)
	if err != nil {
		t.Fatalf("NewHardware failed: %v", err)
	}
	return h, l
}

func TestHardwareProxyLifecycle(t *testing.T) {
	h, l := startHardware(t, HardwareOptions{})

	if err := h.Send(hwctl.OpenMessage(testOpenConfig(t))); err != nil {
		t.Fatalf("Send open failed: %v", err)
	}
	waitFor(t, "ready", func() bool { return h.Status() == hwctl.Ready })

	h.Send(hwctl.StartMessage())
	waitFor(t, "frames", func() bool { return h.Frames().Len() >= 3 })

	var last uint64
	for i := 0; i < 3; i++ {
		f, ok := h.Frames().TryPop()
		if !ok {
			t.Fatalf("Expected frame %d", i)
		}
		if f.Seq <= last {
			t.Errorf("Expected increasing sequence, got %d after %d", f.Seq, last)
		}
		last = f.Seq
		if f.Primary() == nil {
			t.Errorf("Frame %d lost its image crossing the link", f.Seq)
		}
	}

	h.Send(hwctl.StopMessage())
	waitFor(t, "stopped", func() bool { return h.Status() == hwctl.Ready })

	snap := h.Snapshot()
	if snap.Acquired == 0 {
		t.Error("Expected acquired frames in the mirrored status")
	}
	if snap.Session == "" {
		t.Error("Expected an acquisition session id after open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if l.err != nil {
		t.Errorf("Worker body failed: %v", l.err)
	}
	if h.Status() != hwctl.Exiting {
		t.Errorf("Expected exiting after stop, got %v", h.Status())
	}
	if err := h.Send(hwctl.StartMessage()); !errors.Is(err, hwctl.ErrStopped) {
		t.Errorf("Expected ErrStopped after stop, got %v", err)
	}

	t.Logf("final snapshot: %+v", h.Snapshot())
}

func TestHardwareCloseEndsWorker(t *testing.T) {
	h, l := startHardware(t, HardwareOptions{})

	h.Send(hwctl.OpenMessage(testOpenConfig(t)))
	h.Send(hwctl.StartMessage())
	h.Send(hwctl.CloseMessage())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not exit after close")
	}
	if h.Status() != hwctl.Exiting {
		t.Errorf("Expected exiting, got %v", h.Status())
	}
	if h.Saving() {
		t.Error("Expected saving off after exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Stop after exit failed: %v", err)
	}
	if l.err != nil {
		t.Errorf("Worker body failed: %v", l.err)
	}
}

func TestHardwareWorkerSavesThroughSink(t *testing.T) {
	sink := &recordingSink{}
	h, _ := startHardware(t, HardwareOptions{Sink: sink})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Stop(ctx)
	}()

	open := testOpenConfig(t)
	open.OutputPath = "out/scan"
	h.Send(hwctl.OpenMessage(open))
	h.Send(hwctl.StartMessage())
	h.Send(hwctl.BeginSaveMessage("", 0))

	waitFor(t, "saving", h.Saving)
	waitFor(t, "saved frames", func() bool { return sink.frames.Load() >= 2 })

	if path := sink.lastPath(); path != "out/scan" {
		t.Errorf("Expected default output path, got %q", path)
	}

	h.Send(hwctl.EndSaveMessage())
	waitFor(t, "saving off", func() bool { return !h.Saving() })
}

type recordingSink struct {
	frames atomic.Int32

	mu    sync.Mutex
	paths []string
}

func (s *recordingSink) Config(path string, maxBytes int64) error {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Enqueue(f *frame.Frame) error {
	s.frames.Add(1)
	return nil
}

func (s *recordingSink) lastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.paths) == 0 {
		return ""
	}
	return s.paths[len(s.paths)-1]
}

// fakeLink hands envelopes to a proxy without a worker behind it.
type fakeLink struct {
	msgs chan ipc.Envelope
}

func (l *fakeLink) Send(kind ipc.Kind, v any) error { return nil }
func (l *fakeLink) Messages() <-chan ipc.Envelope    { return l.msgs }
func (l *fakeLink) Stop(ctx context.Context) error {
	close(l.msgs)
	return nil
}

func TestHardwareProxyDropsOnFullQueue(t *testing.T) {
	l := &fakeLink{msgs: make(chan ipc.Envelope, 8)}
	h, err := NewHardware(l, 1)
	if err != nil {
		t.Fatalf("NewHardware failed: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		env, err := ipc.NewEnvelope(ipc.KindFrame, testFrame(i))
		if err != nil {
			t.Fatalf("NewEnvelope failed: %v", err)
		}
		l.msgs <- env
	}
	env, _ := ipc.NewEnvelope(ipc.KindStatus, hwctl.StatusSnapshot{State: hwctl.Acquiring, Dropped: 5})
	l.msgs <- env

	waitFor(t, "status", func() bool { return h.Status() == hwctl.Acquiring })

	if got := h.Dropped(); got != 5+2 {
		t.Errorf("Expected 7 dropped frames, got %d", got)
	}
	if got := h.Snapshot().Dropped; got != 7 {
		t.Errorf("Expected snapshot to count 7 dropped frames, got %d", got)
	}
	f, ok := h.Frames().TryPop()
	if !ok || f.Seq != 1 {
		t.Errorf("Expected the first frame to be kept, got %+v", f)
	}

	h.Stop(context.Background())
	if h.Status() != hwctl.Exiting {
		t.Errorf("Expected exiting after the stream ended, got %v", h.Status())
	}
	if got := h.Dropped(); got != 7 {
		t.Errorf("Expected counters to survive the end of the stream, got %d dropped", got)
	}
}
