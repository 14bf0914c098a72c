//go:build !unix

package ringbuffer

import "errors"

var errNoShared = errors.New("ringbuffer: shared rings require a unix platform")

// Create is not supported on this platform.
func Create(path string, n, slotSize int) (*Ring, error) { return nil, errNoShared }

// Open is not supported on this platform.
func Open(path string) (*Ring, error) { return nil, errNoShared }
