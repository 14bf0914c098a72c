package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/e7canasta/orion-acq/frame"
)

// npyHeaderSize is the fixed size of the .npy preamble we write. Reserving a
// constant block lets appends rewrite the shape in place; 128 keeps the data
// 64-byte aligned as the format recommends.
const npyHeaderSize = 128

var npyMagic = []byte("\x93NUMPY")

// npyFile appends equally shaped arrays along a new leading axis.
type npyFile struct {
	f     *os.File
	path  string
	dtype frame.DType
	shape []int
	count int
	off   int64
}

// createNpy removes any existing file at path and starts an empty array,
// creating the parent directory if needed.
func createNpy(path string) (*npyFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create directory for %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("persist: remove %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", path, err)
	}
	n := &npyFile{f: f, path: path, off: npyHeaderSize}
	if err := n.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return n, nil
}

// Append writes a as the next element. The first array fixes dtype and
// shape for the file.
func (n *npyFile) Append(a *frame.Array) error {
	if n.count == 0 && n.dtype == "" {
		n.dtype = a.DType
		n.shape = append([]int(nil), a.Shape...)
	} else if a.DType != n.dtype || !equalShape(a.Shape, n.shape) {
		return fmt.Errorf("%w: file holds %s%v, frame is %s%v", ErrShapeMismatch, n.dtype, n.shape, a.DType, a.Shape)
	}

	if _, err := n.f.WriteAt(a.Data, n.off); err != nil {
		return fmt.Errorf("persist: write %s: %w", n.path, err)
	}
	n.off += int64(len(a.Data))
	n.count++

	return n.writeHeader()
}

// Close finalises the header and closes the file.
func (n *npyFile) Close() error {
	herr := n.writeHeader()
	cerr := n.f.Close()
	if herr != nil {
		return herr
	}
	if cerr != nil {
		return fmt.Errorf("persist: close %s: %w", n.path, cerr)
	}
	return nil
}

func (n *npyFile) writeHeader() error {
	hdr, err := npyHeader(n.dtype, n.count, n.shape)
	if err != nil {
		return err
	}
	if _, err := n.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("persist: header %s: %w", n.path, err)
	}
	return nil
}

// npyHeader renders a version 1.0 header padded to npyHeaderSize.
func npyHeader(dtype frame.DType, count int, shape []int) ([]byte, error) {
	if dtype == "" {
		dtype = frame.Float32
	}

	dims := make([]string, 0, len(shape)+1)
	dims = append(dims, strconv.Itoa(count))
	for _, d := range shape {
		dims = append(dims, strconv.Itoa(d))
	}
	tuple := strings.Join(dims, ", ")
	if len(dims) == 1 {
		tuple += ","
	}

	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, tuple)

	preamble := len(npyMagic) + 2 + 2
	room := npyHeaderSize - preamble - 1 // trailing newline
	if len(dict) > room {
		return nil, fmt.Errorf("persist: npy header for shape %v exceeds %d bytes", shape, npyHeaderSize)
	}

	hdr := make([]byte, npyHeaderSize)
	copy(hdr, npyMagic)
	hdr[6], hdr[7] = 1, 0
	binary.LittleEndian.PutUint16(hdr[8:], uint16(npyHeaderSize-preamble))
	copy(hdr[preamble:], dict)
	for i := preamble + len(dict); i < npyHeaderSize-1; i++ {
		hdr[i] = ' '
	}
	hdr[npyHeaderSize-1] = '\n'
	return hdr, nil
}

func equalShape(a, b []int) bool {
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
