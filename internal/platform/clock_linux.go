//go:build linux

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// SetSystemTime sets the host clock, mirroring the original's
// settimeofday call in usb_connect() when aligning from the board RTC.
func SetSystemTime(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
