//go:build unix

package ringbuffer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestSharedMappingVisibility maps the same file twice, the way a writer
// process and an examiner process would.
func TestSharedMappingVisibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ring")

	writer, err := Create(path, 3, 32)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer writer.Close()

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	if reader.Slots() != 3 || reader.SlotSize() != 32 {
		t.Fatalf("Expected 3x32 geometry, got %dx%d", reader.Slots(), reader.SlotSize())
	}

	if _, err := writer.Put(payload(32, 9)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	view, ok := reader.ExamineLatest()
	if !ok {
		t.Fatal("ExamineLatest through second mapping failed")
	}
	if view[0] != 9 {
		t.Errorf("Expected 9, got %d", view[0])
	}

	// The token is shared: the writer's handle sees the examination.
	if writer.Acquired() != 0 {
		t.Errorf("Expected writer to observe acquired slot 0, got %d", writer.Acquired())
	}
	if _, ok := writer.Examine(1); ok {
		t.Error("Second examiner must fail across mappings")
	}

	reader.Release()
	if writer.Acquired() != -1 {
		t.Errorf("Expected release to be visible, got %d", writer.Acquired())
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); !errors.Is(err, ErrBadRegion) {
		t.Errorf("Expected ErrBadRegion, got %v", err)
	}
}
