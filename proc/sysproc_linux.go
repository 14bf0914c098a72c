//go:build linux

package proc

import "syscall"

// sysProcAttr puts the child in its own process group and asks the kernel
// to signal it if the parent dies. Pdeathsig is tied to the spawning OS
// thread; heartbeats cover the case where that thread exits first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
