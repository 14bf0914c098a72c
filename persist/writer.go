package persist

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-acq/frame"
)

const (
	// SuffixWidth is the minimum zero-padded width of the segment index.
	// Indexes past 10^SuffixWidth-1 simply widen.
	SuffixWidth = 3

	defaultExt = "npy"
)

// Segment describes one closed output file.
type Segment struct {
	Session string    `msgpack:"session" json:"session"`
	Path    string    `msgpack:"path" json:"path"`
	Index   int       `msgpack:"index" json:"index"`
	Frames  int       `msgpack:"frames" json:"frames"`
	Bytes   int64     `msgpack:"bytes" json:"bytes"`
	Opened  time.Time `msgpack:"opened" json:"opened"`
	Closed  time.Time `msgpack:"closed" json:"closed"`
}

// SegmentPath returns the file name of segment index for a base path such as
// "data/scan.npy" or "data/scan": data/scan_000.npy, data/scan_001.npy, ...
func SegmentPath(path string, index int) string {
	base, ext := splitPath(path)
	return fmt.Sprintf("%s_%0*d.%s", base, SuffixWidth, index, ext)
}

func splitPath(path string) (base, ext string) {
	e := filepath.Ext(path)
	if e == "" || e == "." {
		return strings.TrimSuffix(path, "."), defaultExt
	}
	return strings.TrimSuffix(path, e), e[1:]
}

// Writer appends arrays to a sequence of size-bounded files. It is not safe
// for concurrent use; the Worker owns it.
//
// Rotation is checked lazily: before each write, if the bytes written to the
// current segment exceed the limit, the next segment is opened and the
// counter restarts from the size of the frame being written. A segment
// therefore ends up at most limit plus one frame. Counted bytes are payload
// bytes; the fixed npy header is not included.
type Writer struct {
	session   string
	path      string
	maxBytes  int64
	index     int
	written   int64
	frames    int
	opened    time.Time
	file      *npyFile
	widened   bool
	onSegment func(Segment)
}

// NewWriter creates an unconfigured writer. onSegment, if set, is called for
// every segment that is closed.
func NewWriter(onSegment func(Segment)) *Writer {
	return &Writer{onSegment: onSegment}
}

// Configured reports whether a destination is set and open.
func (w *Writer) Configured() bool { return w.file != nil }

// Configure closes the current segment and starts a new session at path with
// index 0. Any pre-existing file with the new name is replaced. maxBytes <= 0
// disables rotation.
func (w *Writer) Configure(path string, maxBytes int64) error {
	if path == "" {
		return fmt.Errorf("persist: empty output path")
	}

	closeErr := w.Close()

	w.session = uuid.NewString()
	w.path = path
	w.maxBytes = maxBytes
	w.index = 0
	w.widened = false

	if err := w.open(); err != nil {
		return err
	}
	return closeErr
}

// Write appends a, rotating first if the current segment is over the limit.
// Returns an error wrapping ErrShapeMismatch if a does not match the
// segment; any other error means the destination is unusable.
func (w *Writer) Write(a *frame.Array) error {
	if w.file == nil {
		return ErrNotConfigured
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	if w.maxBytes > 0 && w.written > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if err := w.file.Append(a); err != nil {
		return err
	}
	w.written += int64(len(a.Data))
	w.frames++
	return nil
}

// Close closes the current segment, if any.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	f := w.file
	w.file = nil
	err := f.Close()

	seg := Segment{
		Session: w.session,
		Path:    f.path,
		Index:   w.index,
		Frames:  w.frames,
		Bytes:   w.written,
		Opened:  w.opened,
		Closed:  time.Now(),
	}
	slog.Info("persist: segment closed",
		"path", seg.Path,
		"frames", seg.Frames,
		"bytes", seg.Bytes,
	)
	if w.onSegment != nil {
		w.onSegment(seg)
	}
	return err
}

// Current returns the path, index and byte count of the open segment.
func (w *Writer) Current() (path string, index int, written int64) {
	if w.file == nil {
		return "", w.index, w.written
	}
	return w.file.path, w.index, w.written
}

// Session returns the id of the current configuration.
func (w *Writer) Session() string { return w.session }

func (w *Writer) rotate() error {
	if err := w.Close(); err != nil {
		return err
	}
	w.index++
	return w.open()
}

func (w *Writer) open() error {
	if w.index >= pow10(SuffixWidth) && !w.widened {
		w.widened = true
		slog.Warn("persist: segment index exceeds suffix width, widening",
			"path", w.path,
			"index", w.index,
		)
	}

	name := SegmentPath(w.path, w.index)
	f, err := createNpy(name)
	if err != nil {
		return err
	}

	w.file = f
	w.written = 0
	w.frames = 0
	w.opened = time.Now()

	slog.Debug("persist: segment opened", "path", name, "index", w.index, "max_bytes", w.maxBytes)
	return nil
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}

var (
	// ErrNotConfigured is returned by Write before Configure.
	ErrNotConfigured = errors.New("persist: no destination configured")

	// ErrShapeMismatch is returned when a frame does not fit the open segment.
	ErrShapeMismatch = errors.New("persist: frame does not match segment layout")

	// ErrHalted is returned by Enqueue after an I/O failure, until the next Config.
	ErrHalted = errors.New("persist: writer halted after I/O failure")

	// ErrBacklogFull is returned by Enqueue when the frame backlog is full.
	ErrBacklogFull = errors.New("persist: backlog full")

	// ErrConfigQueueFull is returned by Config when too many configurations are pending.
	ErrConfigQueueFull = errors.New("persist: config queue full")
)
