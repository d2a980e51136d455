//go:build linux

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pin sets the realtime FIFO scheduling priority and pins the calling
// process to a single CPU core, mirroring the original's
// set_realtime_priority(54) + set_core_affinity(...) at startup. Errors
// are returned rather than fatal — the original logs the return code
// and keeps going, since this requires privileges boardd may not have
// in development.
func Pin(priority int, core int) error {
	if err := setRealtimePriority(priority); err != nil {
		return fmt.Errorf("platform: set realtime priority: %w", err)
	}
	if err := setCoreAffinity(core); err != nil {
		return fmt.Errorf("platform: set core affinity: %w", err)
	}
	return nil
}

// schedParam mirrors the kernel's struct sched_param, which
// golang.org/x/sys/unix does not expose a Go wrapper for.
type schedParam struct {
	Priority int32
}

func setRealtimePriority(priority int) error {
	pid := 0 // calling thread
	param := schedParam{Priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(pid), uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

func setCoreAffinity(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
