package ringbuffer

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func payload(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func TestPutAdvancesIndex(t *testing.T) {
	r, err := New(3, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		idx, err := r.Put(payload(16, byte(i)))
		if err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
		if idx != uint64(i) {
			t.Errorf("Expected index %d, got %d", i, idx)
		}
	}

	view, ok := r.ExamineLatest()
	if !ok {
		t.Fatal("ExamineLatest failed")
	}
	defer r.Release()

	if view[0] != 5 {
		t.Errorf("Expected latest payload 5, got %d", view[0])
	}
}

func TestPutRejectsWrongSize(t *testing.T) {
	r, _ := New(2, 8)
	if _, err := r.Put(make([]byte, 7)); err != ErrSizeMismatch {
		t.Errorf("Expected ErrSizeMismatch, got %v", err)
	}
	if r.Index() != 0 {
		t.Errorf("Expected index 0 after rejected put, got %d", r.Index())
	}
}

func TestExamineLatestBeforeAnyWrite(t *testing.T) {
	r, _ := New(4, 8)
	if _, ok := r.ExamineLatest(); ok {
		t.Error("Expected ExamineLatest to fail on an empty ring")
	}
	if r.Acquired() != -1 {
		t.Errorf("Expected no acquired slot, got %d", r.Acquired())
	}
}

// TestPutToExaminedSlotDrops verifies contention drops the write without
// advancing the index.
func TestPutToExaminedSlotDrops(t *testing.T) {
	r, _ := New(2, 8)

	r.Put(payload(8, 1)) // slot 0
	r.Put(payload(8, 2)) // slot 1

	// Next put targets slot 0; hold it.
	if _, ok := r.Examine(0); !ok {
		t.Fatal("Examine(0) failed")
	}

	idx, err := r.Put(payload(8, 3))
	if err != ErrSlotBusy {
		t.Fatalf("Expected ErrSlotBusy, got %v", err)
	}
	if idx != 2 || r.Index() != 2 {
		t.Errorf("Expected index to stay at 2, got %d / %d", idx, r.Index())
	}
	if r.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", r.Dropped())
	}

	r.Release()

	if _, err := r.Put(payload(8, 3)); err != nil {
		t.Errorf("Put after release failed: %v", err)
	}
}

func TestSingleExaminer(t *testing.T) {
	r, _ := New(4, 8)
	for i := 0; i < 4; i++ {
		r.Put(payload(8, byte(i)))
	}

	if _, ok := r.Examine(1); !ok {
		t.Fatal("First Examine failed")
	}
	if _, ok := r.Examine(2); ok {
		t.Error("Second Examine must fail while a slot is held")
	}
	if r.Acquired() != 1 {
		t.Errorf("Failed Examine must not change the acquired slot, got %d", r.Acquired())
	}

	r.Release()
	r.Release() // no-op

	if _, ok := r.Examine(2); !ok {
		t.Error("Examine after Release failed")
	}
	r.Release()
}

// TestConcurrentWriterExaminer runs one writer and one examiner and checks
// that the examiner never sees a partially written slot and that at most one
// slot is held at a time.
func TestConcurrentWriterExaminer(t *testing.T) {
	const slotSize = 256
	r, _ := New(4, slotSize)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var examined, torn atomic.Uint64

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r.Put(payload(slotSize, byte(i)))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			view, ok := r.ExamineLatest()
			if !ok {
				continue
			}
			if r.Acquired() < 0 {
				t.Error("Acquired slot not recorded while examining")
			}
			first := view[0]
			for _, b := range view {
				if b != first {
					torn.Add(1)
					break
				}
			}
			examined.Add(1)
			r.Release()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	if torn.Load() != 0 {
		t.Errorf("Examiner saw %d torn slots", torn.Load())
	}
	if r.Acquired() != -1 {
		t.Errorf("Expected no acquired slot after run, got %d", r.Acquired())
	}

	t.Logf("puts=%d dropped=%d examined=%d", r.Index(), r.Dropped(), examined.Load())
}
