package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/hwctl"
	"github.com/e7canasta/orion-acq/persist"
	"github.com/e7canasta/orion-acq/queue"
)

type fakeController struct {
	mu     sync.Mutex
	sent   []hwctl.Message
	saving atomic.Bool
	frames *queue.Bounded[*frame.Frame]
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	q, err := queue.NewBounded[*frame.Frame](4)
	if err != nil {
		t.Fatalf("NewBounded failed: %v", err)
	}
	return &fakeController{frames: q}
}

func (c *fakeController) Send(msg hwctl.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeController) Status() hwctl.State                  { return hwctl.Ready }
func (c *fakeController) Saving() bool                         { return c.saving.Load() }
func (c *fakeController) Dropped() uint64                      { return 0 }
func (c *fakeController) Frames() *queue.Bounded[*frame.Frame] { return c.frames }

func (c *fakeController) Snapshot() hwctl.StatusSnapshot {
	return hwctl.StatusSnapshot{State: hwctl.Ready, Saving: c.saving.Load()}
}

func (c *fakeController) kinds(k hwctl.Kind) []hwctl.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []hwctl.Message
	for _, m := range c.sent {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

type fakePersist struct {
	mu    sync.Mutex
	stats persist.Stats
}

func (p *fakePersist) Stats() persist.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePersist) set(s persist.Stats) {
	p.mu.Lock()
	p.stats = s
	p.mu.Unlock()
}

type fakeCatalog struct {
	recorded atomic.Int32
	fail     bool
	closed   atomic.Bool
}

func (c *fakeCatalog) RecordSegment(ctx context.Context, instance string, seg persist.Segment) error {
	if c.fail {
		return errors.New("catalog down")
	}
	c.recorded.Add(1)
	return nil
}

func (c *fakeCatalog) Close() error {
	c.closed.Store(true)
	return nil
}

func newTestSession(t *testing.T, hw *fakeController, ps *fakePersist, cat *fakeCatalog) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		InstanceID: "test",
		Device:     testOpenConfig(t),
		Hardware:   hw,
		Persist:    ps,
		Catalog:    cat,
		Refresh:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func TestNewSessionRequiresWorkers(t *testing.T) {
	if _, err := NewSession(SessionConfig{}); err == nil {
		t.Error("Expected error without hardware and persistence")
	}
}

func TestSessionOpenGeneratesWaveforms(t *testing.T) {
	hw := newFakeController(t)
	s := newTestSession(t, hw, &fakePersist{}, &fakeCatalog{})
	defer s.Shutdown()

	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	opens := hw.kinds(hwctl.KindOpen)
	if len(opens) != 1 {
		t.Fatalf("Expected 1 open message, got %d", len(opens))
	}
	wf := opens[0].Open.Waveforms
	if err := wf.Validate(); err != nil {
		t.Errorf("Open carried invalid waveforms: %v", err)
	}
}

func TestSessionUpdateScan(t *testing.T) {
	hw := newFakeController(t)
	s := newTestSession(t, hw, &fakePersist{}, &fakeCatalog{})
	defer s.Shutdown()

	if err := s.UpdateScan(2, 0.5); err != nil {
		t.Fatalf("UpdateScan failed: %v", err)
	}
	if err := s.UpdateScan(0, 1); err == nil {
		t.Error("Expected error for a zero field of view")
	}

	updates := hw.kinds(hwctl.KindUpdateAcquisition)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update message, got %d", len(updates))
	}

	// The new field of view sticks for the next Open.
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	open := hw.kinds(hwctl.KindOpen)[0].Open.Waveforms
	if !equalFloats(open.X, updates[0].Waveforms.X) {
		t.Error("Expected Open to reuse the updated field of view")
	}
}

func TestSessionEndsSaveOncePerFailure(t *testing.T) {
	hw := newFakeController(t)
	ps := &fakePersist{}
	s := newTestSession(t, hw, ps, &fakeCatalog{})
	defer s.Shutdown()

	hw.saving.Store(true)
	ps.set(persist.Stats{State: persist.StateFailed, Session: "s1", LastError: "disk full"})

	s.check()
	s.check()
	if n := len(hw.kinds(hwctl.KindEndSave)); n != 1 {
		t.Fatalf("Expected 1 end save after failure, got %d", n)
	}

	// A new persistence session failing ends saving again.
	ps.set(persist.Stats{State: persist.StateFailed, Session: "s2", LastError: "disk full"})
	s.check()
	if n := len(hw.kinds(hwctl.KindEndSave)); n != 2 {
		t.Errorf("Expected 2 end saves, got %d", n)
	}
}

func TestSessionIgnoresFailureWhileNotSaving(t *testing.T) {
	hw := newFakeController(t)
	ps := &fakePersist{}
	s := newTestSession(t, hw, ps, &fakeCatalog{})
	defer s.Shutdown()

	ps.set(persist.Stats{State: persist.StateFailed, Session: "s1"})
	s.check()

	// Saving restarts before the persistence worker saw the new destination:
	// the old failure must not end it.
	hw.saving.Store(true)
	s.check()

	if n := len(hw.kinds(hwctl.KindEndSave)); n != 0 {
		t.Errorf("Expected no end save, got %d", n)
	}
}

func TestSessionCatalogsSegments(t *testing.T) {
	cat := &fakeCatalog{}
	s := newTestSession(t, newFakeController(t), &fakePersist{}, cat)

	for i := 0; i < 3; i++ {
		s.RecordSegment(persist.Segment{Path: persist.SegmentPath("out", i), Index: i})
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := cat.recorded.Load(); got != 3 {
		t.Errorf("Expected 3 cataloged segments, got %d", got)
	}
	if got := s.Report().Segments; got != 3 {
		t.Errorf("Expected report to count 3 segments, got %d", got)
	}
	if !cat.closed.Load() {
		t.Error("Expected catalog to be closed")
	}

	// After shutdown segments are dropped, not panicking on a closed channel.
	s.RecordSegment(persist.Segment{Path: "late"})
	if err := s.Shutdown(); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
}

func TestSessionCatalogFailureNotCounted(t *testing.T) {
	s := newTestSession(t, newFakeController(t), &fakePersist{}, &fakeCatalog{fail: true})

	s.RecordSegment(persist.Segment{Path: "a"})
	s.Shutdown()

	if got := s.Report().Segments; got != 0 {
		t.Errorf("Expected 0 cataloged segments, got %d", got)
	}
}

func TestSessionRunPublishes(t *testing.T) {
	hw := newFakeController(t)
	s := newTestSession(t, hw, &fakePersist{}, &fakeCatalog{})
	defer s.Shutdown()

	reports := make(chan Report, 16)
	s.cfg.Publish = func(r Report) error {
		select {
		case reports <- r:
		default:
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case r := <-reports:
		if r.InstanceID != "test" {
			t.Errorf("Expected instance test, got %q", r.InstanceID)
		}
		if r.Hardware.State != hwctl.Ready {
			t.Errorf("Expected hardware state ready, got %v", r.Hardware.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for a report")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
