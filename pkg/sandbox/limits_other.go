//go:build !linux

package sandbox

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// applyLimits is a no-op where prlimit is unavailable; use the docker backend there.
func applyLimits(int, Limits) error { return nil }

func killGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
