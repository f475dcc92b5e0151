//go:build linux

package pool

import (
	"syscall"
)

// The kernel kills the worker when the pool process dies, even before the
// worker notices its parent is gone.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
