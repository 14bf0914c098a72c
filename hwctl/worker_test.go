package hwctl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-acq/frame"
	"github.com/e7canasta/orion-acq/ringbuffer"
)

// fakeDevice serves scripted frames and records every call.
type fakeDevice struct {
	mu         sync.Mutex
	setupErr   error
	acquireErr error
	frames     []*frame.Frame
	block      chan struct{}

	setups  int
	closes  int
	handled []Kind
}

func (d *fakeDevice) Setup(ctx context.Context, cfg *OpenConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setups++
	if d.setupErr != nil {
		return d.setupErr
	}
	return cfg.Validate()
}

func (d *fakeDevice) Handle(ctx context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = append(d.handled, msg.Kind)
	return nil
}

func (d *fakeDevice) AcquireFrame(ctx context.Context) (*frame.Frame, error) {
	d.mu.Lock()
	block := d.block
	if d.acquireErr != nil {
		err := d.acquireErr
		d.mu.Unlock()
		return nil, err
	}
	if len(d.frames) > 0 {
		f := d.frames[0]
		d.frames = d.frames[1:]
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	if block != nil {
		<-block // ignores ctx on purpose: an unresponsive driver call
		return nil, nil
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Millisecond):
	}
	return nil, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) counts() (setups, closes int, handled []Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setups, d.closes, append([]Kind(nil), d.handled...)
}

// fakeSink records configuration and frames.
type fakeSink struct {
	mu      sync.Mutex
	path    string
	max     int64
	frames  []uint64
	failing bool
}

func (s *fakeSink) Config(path string, maxBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path, s.max = path, maxBytes
	return nil
}

func (s *fakeSink) Enqueue(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink halted")
	}
	s.frames = append(s.frames, f.Seq)
	return nil
}

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testOpenConfig() OpenConfig {
	wf := Waveforms{
		LineTrigger:  make([]float64, 16),
		FrameTrigger: make([]float64, 16),
		X:            make([]float64, 16),
		Y:            make([]float64, 16),
	}
	return OpenConfig{
		CameraDevice: "img0",
		DACDevice:    "Dev1",
		SampleRate:   76000,
		Geometry:     Geometry{SamplesPerLine: 64, LinesPerGroup: 8, GroupCount: 2},
		Waveforms:    wf,
		OutputPath:   "scan",
		MaxFileBytes: 1 << 20,
	}
}

func testFrames(n int) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = &frame.Frame{Image: frame.Float32Array([]int{2}, []float32{float32(i), 0})}
	}
	return out
}

func startWorker(t *testing.T, dev Device, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithIdleWait(10 * time.Millisecond)}, opts...)
	w, err := NewWorker(dev, opts...)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop(context.Background()) })
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func waitState(t *testing.T, w *Worker, want State) {
	t.Helper()
	waitFor(t, want.String(), func() bool { return w.Status() == want })
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for worker exit")
	}
}

// TestTransitionTable walks the full lifecycle.
func TestTransitionTable(t *testing.T) {
	dev := &fakeDevice{}
	w := startWorker(t, dev)

	if w.Status() != NotReady {
		t.Fatalf("Expected initial state not_ready, got %s", w.Status())
	}

	w.Send(OpenMessage(testOpenConfig()))
	waitState(t, w, Ready)

	w.Send(StartMessage())
	waitState(t, w, Acquiring)

	// Open while acquiring is ignored.
	w.Send(OpenMessage(testOpenConfig()))
	w.Send(StopMessage())
	waitState(t, w, Ready)

	w.Send(StartMessage())
	waitState(t, w, Acquiring)

	w.Send(CloseMessage())
	waitDone(t, w)

	if w.Status() != Exiting {
		t.Errorf("Expected exiting, got %s", w.Status())
	}

	setups, closes, handled := dev.counts()
	if setups != 1 {
		t.Errorf("Expected 1 setup, got %d", setups)
	}
	if closes != 1 {
		t.Errorf("Expected 1 close, got %d", closes)
	}
	// start, stop, start, stop-on-shutdown
	want := []Kind{KindStartAcquisition, KindStopAcquisition, KindStartAcquisition, KindStopAcquisition}
	if len(handled) != len(want) {
		t.Fatalf("Expected handled %v, got %v", want, handled)
	}
	for i := range want {
		if handled[i] != want[i] {
			t.Errorf("handled[%d]: expected %s, got %s", i, want[i], handled[i])
		}
	}

	if err := w.Send(StartMessage()); err != ErrStopped {
		t.Errorf("Expected ErrStopped after exit, got %v", err)
	}
}

func TestInvalidPairingsAreIgnored(t *testing.T) {
	dev := &fakeDevice{}
	w := startWorker(t, dev)

	w.Send(StartMessage())
	w.Send(StopMessage())
	w.Send(UpdateMessage(testOpenConfig().Waveforms))
	w.Send(OpenMessage(testOpenConfig()))
	waitState(t, w, Ready)

	w.Send(StopMessage())
	w.Send(OpenMessage(testOpenConfig()))

	// Give the worker time to drain.
	time.Sleep(50 * time.Millisecond)

	if w.Status() != Ready {
		t.Errorf("Expected ready, got %s", w.Status())
	}
	setups, _, handled := dev.counts()
	if setups != 1 || len(handled) != 0 {
		t.Errorf("Expected 1 setup and no handled messages, got %d / %v", setups, handled)
	}
}

// TestOpenFailureStaysNotReady verifies setup failures are recorded and not
// retried, and that acquisition commands stay no-ops.
func TestOpenFailureStaysNotReady(t *testing.T) {
	dev := &fakeDevice{setupErr: errors.New("camera not found")}
	w := startWorker(t, dev)

	w.Send(OpenMessage(testOpenConfig()))
	waitFor(t, "setup error", func() bool { return w.Snapshot().LastError != "" })

	w.Send(StartMessage())
	w.Send(StopMessage())
	time.Sleep(50 * time.Millisecond)

	if w.Status() != NotReady {
		t.Errorf("Expected not_ready, got %s", w.Status())
	}
	if !strings.Contains(w.Snapshot().LastError, "camera not found") {
		t.Errorf("Expected setup error recorded, got %q", w.Snapshot().LastError)
	}

	w.Send(CloseMessage())
	waitDone(t, w)

	setups, closes, handled := dev.counts()
	if setups != 1 {
		t.Errorf("Expected exactly 1 setup attempt, got %d", setups)
	}
	if closes != 0 {
		t.Errorf("Device never opened, expected 0 closes, got %d", closes)
	}
	if len(handled) != 0 {
		t.Errorf("Expected no handled messages, got %v", handled)
	}
}

func TestCloseFromEveryState(t *testing.T) {
	prepare := map[State][]Message{
		NotReady:  nil,
		Ready:     {OpenMessage(testOpenConfig())},
		Acquiring: {OpenMessage(testOpenConfig()), StartMessage()},
	}

	for from, msgs := range prepare {
		t.Run(from.String(), func(t *testing.T) {
			dev := &fakeDevice{}
			w := startWorker(t, dev)

			for _, m := range msgs {
				w.Send(m)
			}
			waitState(t, w, from)

			w.Send(CloseMessage())
			waitDone(t, w)

			if w.Status() != Exiting {
				t.Errorf("Expected exiting, got %s", w.Status())
			}
			_, closes, _ := dev.counts()
			wantCloses := 1
			if from == NotReady {
				wantCloses = 0
			}
			if closes != wantCloses {
				t.Errorf("Expected %d closes, got %d", wantCloses, closes)
			}
		})
	}
}

// TestDroppedFramesWithFullQueue pushes 6 frames into a queue of 4 that
// nobody drains.
func TestDroppedFramesWithFullQueue(t *testing.T) {
	dev := &fakeDevice{frames: testFrames(6)}
	w := startWorker(t, dev, WithFrameCapacity(4))

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(StartMessage())

	waitFor(t, "6 frames acquired", func() bool { return w.Snapshot().Acquired == 6 })

	if w.Dropped() != 2 {
		t.Errorf("Expected 2 dropped, got %d", w.Dropped())
	}
	if w.Frames().Len() != 4 {
		t.Fatalf("Expected 4 queued, got %d", w.Frames().Len())
	}
	for want := uint64(1); want <= 4; want++ {
		f, ok := w.Frames().TryPop()
		if !ok || f.Seq != want {
			t.Errorf("Expected seq %d, got %+v", want, f)
		}
	}
}

func TestFailureCapStopsAcquisition(t *testing.T) {
	dev := &fakeDevice{acquireErr: errors.New("imaq timeout")}
	w := startWorker(t, dev, WithMaxConsecutiveFailures(5))

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(StartMessage())
	waitFor(t, "stalled", func() bool {
		return strings.Contains(w.Snapshot().LastError, "stalled")
	})
	waitState(t, w, Ready)

	snap := w.Snapshot()
	if snap.ConsecutiveFailures < 5 {
		t.Errorf("Expected at least 5 failures, got %d", snap.ConsecutiveFailures)
	}
	if !strings.Contains(snap.LastError, "imaq timeout") {
		t.Errorf("Expected cause in last error, got %q", snap.LastError)
	}
}

func TestSavingForwardsToSink(t *testing.T) {
	dev := &fakeDevice{frames: testFrames(3)}
	sink := &fakeSink{}
	w := startWorker(t, dev, WithSink(sink))

	w.Send(OpenMessage(testOpenConfig()))
	waitState(t, w, Ready)

	// Empty path falls back to the output path given at Open.
	w.Send(BeginSaveMessage("", 0))
	waitFor(t, "saving", w.Saving)

	if sink.path != "scan" || sink.max != 1<<20 {
		t.Errorf("Expected sink configured with open defaults, got %q / %d", sink.path, sink.max)
	}

	w.Send(StartMessage())
	waitFor(t, "3 saved frames", func() bool { return sink.received() == 3 })

	w.Send(EndSaveMessage())
	waitFor(t, "saving off", func() bool { return !w.Saving() })

	if w.Status() != Acquiring {
		t.Errorf("Saving must not change state, got %s", w.Status())
	}
}

func TestSinkRejectionsAreCounted(t *testing.T) {
	dev := &fakeDevice{frames: testFrames(2)}
	sink := &fakeSink{failing: true}
	w := startWorker(t, dev, WithSink(sink))

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(BeginSaveMessage("out", 100))
	w.Send(StartMessage())

	waitFor(t, "rejections", func() bool { return w.Snapshot().SaveRejected == 2 })
	if !w.Saving() {
		t.Error("Sink rejections must not clear the saving flag by themselves")
	}
}

func TestBeginSaveWithoutSink(t *testing.T) {
	w := startWorker(t, &fakeDevice{})

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(BeginSaveMessage("out", 100))
	waitFor(t, "error", func() bool { return w.Snapshot().LastError != "" })

	if w.Saving() {
		t.Error("Expected saving off without a sink")
	}
}

func TestRingMirror(t *testing.T) {
	ring, err := ringbuffer.New(2, 8)
	if err != nil {
		t.Fatalf("ringbuffer.New failed: %v", err)
	}

	dev := &fakeDevice{frames: testFrames(3)}
	w := startWorker(t, dev, WithRing(ring))

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(StartMessage())
	waitFor(t, "3 ring puts", func() bool { return ring.Index() == 3 })

	view, ok := ring.ExamineLatest()
	if !ok {
		t.Fatal("ExamineLatest failed")
	}
	defer ring.Release()

	got, _ := (&frame.Array{DType: frame.Float32, Shape: []int{2}, Data: view}).Float32s()
	if got[0] != 2 {
		t.Errorf("Expected latest frame value 2, got %v", got[0])
	}
}

func TestStopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	dev := &fakeDevice{block: release}
	w, err := NewWorker(dev, WithIdleWait(10*time.Millisecond), WithStopGrace(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	w.Start(context.Background())

	w.Send(OpenMessage(testOpenConfig()))
	w.Send(StartMessage())
	waitState(t, w, Acquiring)

	// Let the loop enter the blocking poll.
	time.Sleep(20 * time.Millisecond)

	if err := w.Stop(context.Background()); err != ErrStopTimeout {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
}

func TestStopIdleWorker(t *testing.T) {
	w, _ := NewWorker(&fakeDevice{}, WithIdleWait(time.Hour))
	if err := w.Stop(context.Background()); err != ErrNotStarted {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}

	w.Start(context.Background())
	if err := w.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	// A long idle wait must not delay Stop.
	start := time.Now()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if w.Status() != Exiting {
		t.Errorf("Expected exiting after stop, got %s", w.Status())
	}
}

func TestNewWorkerValidation(t *testing.T) {
	if _, err := NewWorker(nil); err == nil {
		t.Error("Expected error for nil device")
	}
	if _, err := NewWorker(&fakeDevice{}, WithFrameCapacity(0)); err == nil {
		t.Error("Expected error for zero capacity")
	}
	if _, err := NewWorker(&fakeDevice{}, WithMaxConsecutiveFailures(-1)); err == nil {
		t.Error("Expected error for negative failure cap")
	}
}
