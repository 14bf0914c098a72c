// Package ringbuffer implements a fixed-slot circular buffer with per-slot
// try-locks, used to hand the latest acquired frames to a display consumer
// without copying them through a queue.
//
// One writer calls Put; one examiner calls Examine/ExamineLatest followed by
// Release. Both sides only ever try-lock, so neither can stall the other:
//
//   - a Put that finds its slot held by the examiner drops the data
//     (ErrSlotBusy, counted in Dropped) and does not advance the index
//   - an Examine that finds a slot held by the writer fails immediately
//
// At most one slot is under examination at any time. The acquisition token
// lives in the shared region, so the invariant holds across processes when
// the ring is backed by a shared mapping (see Create and Open).
//
// Region layout (all offsets 8-byte aligned):
//
//	[0,64)           header: magic, version, slots, slot size, write index,
//	                 acquired slot, dropped count
//	[64, 64+L)       one uint32 lock word per slot, L padded to 64
//	[64+L, ...)      slots, each padded to a 64-byte stride
package ringbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrSlotBusy is returned by Put when the target slot is being examined.
	ErrSlotBusy = errors.New("ringbuffer: slot busy")

	// ErrSizeMismatch is returned by Put when the payload is not exactly one slot.
	ErrSizeMismatch = errors.New("ringbuffer: payload size does not match slot size")

	// ErrBadRegion is returned by Open when a mapped file is not a ring.
	ErrBadRegion = errors.New("ringbuffer: invalid region")
)

const (
	magic   = 0x4f524246 // "ORBF"
	version = 1

	headerSize = 64
	align      = 64

	offMagic    = 0
	offVersion  = 4
	offSlots    = 8
	offSlotSize = 12
	offIndex    = 16
	offAcquired = 24
	offDropped  = 32

	unlocked   = 0
	lockWriter = 1
	lockReader = 2

	noSlot = -1
)

// Ring is a circular buffer of N equally sized slots.
type Ring struct {
	mem      []byte
	slots    int
	slotSize int
	locksOff int
	dataOff  int
	stride   int

	unmap func([]byte) error
}

// RegionSize returns the number of bytes needed for a ring of n slots.
func RegionSize(n, slotSize int) int {
	return headerSize + roundUp(4*n, align) + n*roundUp(slotSize, align)
}

// New creates a ring in process memory.
func New(n, slotSize int) (*Ring, error) {
	if err := checkGeometry(n, slotSize); err != nil {
		return nil, err
	}

	// Back the region with uint64s so every atomic word is aligned.
	words := make([]uint64, RegionSize(n, slotSize)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)

	r := layout(mem, n, slotSize)
	r.init()
	return r, nil
}

func checkGeometry(n, slotSize int) error {
	if n <= 0 {
		return fmt.Errorf("ringbuffer: slot count must be > 0, got %d", n)
	}
	if slotSize <= 0 {
		return fmt.Errorf("ringbuffer: slot size must be > 0, got %d", slotSize)
	}
	return nil
}

func layout(mem []byte, n, slotSize int) *Ring {
	locks := roundUp(4*n, align)
	return &Ring{
		mem:      mem,
		slots:    n,
		slotSize: slotSize,
		locksOff: headerSize,
		dataOff:  headerSize + locks,
		stride:   roundUp(slotSize, align),
	}
}

func (r *Ring) init() {
	binary.LittleEndian.PutUint32(r.mem[offMagic:], magic)
	binary.LittleEndian.PutUint32(r.mem[offVersion:], version)
	binary.LittleEndian.PutUint32(r.mem[offSlots:], uint32(r.slots))
	binary.LittleEndian.PutUint32(r.mem[offSlotSize:], uint32(r.slotSize))
	atomic.StoreUint64(r.word64(offIndex), 0)
	atomic.StoreInt64(r.acquired(), noSlot)
	atomic.StoreUint64(r.word64(offDropped), 0)
	for i := 0; i < r.slots; i++ {
		atomic.StoreUint32(r.lock(i), unlocked)
	}
}

// readLayout validates a header written by init and rebuilds the geometry.
func readLayout(mem []byte) (*Ring, error) {
	if len(mem) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrBadRegion, len(mem))
	}
	if binary.LittleEndian.Uint32(mem[offMagic:]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadRegion)
	}
	if v := binary.LittleEndian.Uint32(mem[offVersion:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadRegion, v)
	}
	n := int(binary.LittleEndian.Uint32(mem[offSlots:]))
	slotSize := int(binary.LittleEndian.Uint32(mem[offSlotSize:]))
	if err := checkGeometry(n, slotSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRegion, err)
	}
	if need := RegionSize(n, slotSize); len(mem) < need {
		return nil, fmt.Errorf("%w: need %d bytes, mapped %d", ErrBadRegion, need, len(mem))
	}
	return layout(mem, n, slotSize), nil
}

// Slots returns the number of slots.
func (r *Ring) Slots() int { return r.slots }

// SlotSize returns the size of one slot in bytes.
func (r *Ring) SlotSize() int { return r.slotSize }

// Index returns the number of successful Puts.
func (r *Ring) Index() uint64 { return atomic.LoadUint64(r.word64(offIndex)) }

// Dropped returns the number of Puts lost to contention.
func (r *Ring) Dropped() uint64 { return atomic.LoadUint64(r.word64(offDropped)) }

// Acquired returns the slot under examination, or -1.
func (r *Ring) Acquired() int { return int(atomic.LoadInt64(r.acquired())) }

// Put copies p into the next slot and returns the new write index.
// Must only be called by the single writer.
func (r *Ring) Put(p []byte) (uint64, error) {
	if len(p) != r.slotSize {
		return r.Index(), ErrSizeMismatch
	}

	idx := atomic.LoadUint64(r.word64(offIndex))
	slot := int(idx % uint64(r.slots))
	lock := r.lock(slot)

	if !atomic.CompareAndSwapUint32(lock, unlocked, lockWriter) {
		atomic.AddUint64(r.word64(offDropped), 1)
		return idx, ErrSlotBusy
	}
	copy(r.slot(slot), p)
	atomic.StoreUint32(lock, unlocked)

	atomic.StoreUint64(r.word64(offIndex), idx+1)
	return idx + 1, nil
}

// Examine locks slot (taken modulo the slot count) for reading and returns
// a view of its contents. The view is valid until Release. Fails if another
// slot is already under examination or the writer holds this slot.
func (r *Ring) Examine(slot int) ([]byte, bool) {
	if slot < 0 {
		return nil, false
	}
	slot %= r.slots

	if !atomic.CompareAndSwapInt64(r.acquired(), noSlot, int64(slot)) {
		return nil, false
	}
	if !atomic.CompareAndSwapUint32(r.lock(slot), unlocked, lockReader) {
		atomic.StoreInt64(r.acquired(), noSlot)
		return nil, false
	}
	return r.slot(slot), true
}

// ExamineLatest examines the most recently written slot. Fails if nothing
// has been written yet.
func (r *Ring) ExamineLatest() ([]byte, bool) {
	idx := r.Index()
	if idx == 0 {
		return nil, false
	}
	return r.Examine(int((idx - 1) % uint64(r.slots)))
}

// Release unlocks the slot under examination. No-op if none is held.
func (r *Ring) Release() {
	slot := atomic.LoadInt64(r.acquired())
	if slot == noSlot {
		return
	}
	atomic.StoreUint32(r.lock(int(slot)), unlocked)
	atomic.StoreInt64(r.acquired(), noSlot)
}

// Close unmaps a shared ring. No-op for in-process rings.
func (r *Ring) Close() error {
	if r.unmap == nil || r.mem == nil {
		return nil
	}
	err := r.unmap(r.mem)
	r.mem = nil
	return err
}

func (r *Ring) word64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) acquired() *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[offAcquired]))
}

func (r *Ring) lock(slot int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[r.locksOff+4*slot]))
}

func (r *Ring) slot(i int) []byte {
	off := r.dataOff + i*r.stride
	return r.mem[off : off+r.slotSize : off+r.slotSize]
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
