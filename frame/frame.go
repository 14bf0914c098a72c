// Package frame defines the unit of acquired data that flows from the
// hardware worker to the owner and to the persistence worker.
//
// A Frame carries up to three numeric payloads, one per acquisition product:
//
//   - Image: the processed image block (e.g. one B-scan group)
//   - Scalars: derived values computed from the image (e.g. motion estimates)
//   - Spectrum: an auxiliary raw spectrum for live monitoring
//
// Payload data is stored little-endian in NumPy dtype notation so it can be
// written to .npy files and sent across process boundaries without conversion.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DType is a NumPy array-protocol type string.
type DType string

const (
	Uint8     DType = "|u1"
	Uint16    DType = "<u2"
	Int32     DType = "<i4"
	Float32   DType = "<f4"
	Float64   DType = "<f8"
	Complex64 DType = "<c8"
)

// ItemSize returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) ItemSize() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64, Complex64:
		return 8
	default:
		return 0
	}
}

// Array is an n-dimensional little-endian numeric block.
type Array struct {
	DType DType  `msgpack:"dtype"`
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// Len returns the number of elements described by Shape.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// NBytes returns the payload size in bytes.
func (a *Array) NBytes() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Validate checks that Data matches DType and Shape.
func (a *Array) Validate() error {
	size := a.DType.ItemSize()
	if size == 0 {
		return fmt.Errorf("frame: unsupported dtype %q", a.DType)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("frame: negative dimension in shape %v", a.Shape)
		}
	}
	if want := a.Len() * size; want != len(a.Data) {
		return fmt.Errorf("frame: shape %v of %s needs %d bytes, have %d", a.Shape, a.DType, want, len(a.Data))
	}
	return nil
}

// Float32Array packs values into a Float32 array of the given shape.
func Float32Array(shape []int, values []float32) *Array {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Array{DType: Float32, Shape: append([]int(nil), shape...), Data: data}
}

// Uint16Array packs values into a Uint16 array of the given shape.
func Uint16Array(shape []int, values []uint16) *Array {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], v)
	}
	return &Array{DType: Uint16, Shape: append([]int(nil), shape...), Data: data}
}

// Float32s unpacks a Float32 array.
func (a *Array) Float32s() ([]float32, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("frame: dtype %s is not %s", a.DType, Float32)
	}
	out := make([]float32, len(a.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out, nil
}

// Frame is one unit of acquired data.
type Frame struct {
	Seq       uint64    `msgpack:"seq"`
	Timestamp time.Time `msgpack:"ts"`
	Source    string    `msgpack:"src"`

	Image    *Array `msgpack:"image,omitempty"`
	Scalars  *Array `msgpack:"scalars,omitempty"`
	Spectrum *Array `msgpack:"spectrum,omitempty"`
}

// Primary returns the payload that is persisted and mirrored for display:
// the image block if present, otherwise the scalars, otherwise the spectrum.
func (f *Frame) Primary() *Array {
	switch {
	case f.Image != nil:
		return f.Image
	case f.Scalars != nil:
		return f.Scalars
	default:
		return f.Spectrum
	}
}

// NBytes returns the total payload size across all variants.
func (f *Frame) NBytes() int {
	return f.Image.NBytes() + f.Scalars.NBytes() + f.Spectrum.NBytes()
}
