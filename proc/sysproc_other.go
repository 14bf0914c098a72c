//go:build !linux

package proc

import "syscall"

// Orphan detection relies on heartbeats alone on this platform.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
