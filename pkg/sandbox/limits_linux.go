//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}

// applyLimits sets address-space and CPU rlimits on a started child.
// Limits are inherited by everything the child spawns.
func applyLimits(pid int, l Limits) error {
	var errs []error
	if l.MemoryMB > 0 {
		bytes := uint64(l.MemoryMB) << 20 //nolint:gosec // validated non-negative
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("RLIMIT_AS: %w", err))
		}
	}
	if l.CPUSeconds > 0 {
		secs := uint64(l.CPUSeconds) //nolint:gosec // validated non-negative
		lim := unix.Rlimit{Cur: secs, Max: secs + 1}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("RLIMIT_CPU: %w", err))
		}
	}
	return errors.Join(errs...)
}

func killGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
