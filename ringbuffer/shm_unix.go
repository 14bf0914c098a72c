//go:build unix

package ringbuffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create makes (or truncates) the file at path, maps it shared and
// initialises an empty ring in it. Use a tmpfs path such as /dev/shm to keep
// the region in memory. The returned ring is the writer's handle.
func Create(path string, n, slotSize int) (*Ring, error) {
	if err := checkGeometry(n, slotSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: create %s: %w", path, err)
	}
	defer f.Close()

	size := RegionSize(n, slotSize)
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("ringbuffer: size %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}

	r := layout(mem, n, slotSize)
	r.unmap = unix.Munmap
	r.init()
	return r, nil
}

// Open maps an existing ring created by Create, typically from another
// process acting as the examiner.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: stat %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}

	r, err := readLayout(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	r.unmap = unix.Munmap
	return r, nil
}
