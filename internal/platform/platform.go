// Package platform probes the hardware boardd is running on (TICI vs.
// a development PC) and pins the process the way the original daemon
// does: realtime scheduling priority and a fixed CPU core, via
// golang.org/x/sys/unix.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// TICI reports whether this process is running on comma three hardware.
// The probe mirrors the original's Hardware::TICI(): presence of a
// release marker file unique to that platform.
func TICI() bool {
	_, err := os.Stat("/ETC_TICI_VERSION")
	return err == nil
}

// PC reports whether this process is running on a development
// workstation rather than embedded hardware.
func PC() bool {
	return !TICI() && os.Getenv("BOARDD_EMBEDDED") == ""
}

// AffinityCore returns the CPU core boardd should pin itself to:
// platform-specific, matching the original's set_core_affinity(TICI() ?
// 4 : 3).
func AffinityCore() int {
	if TICI() {
		return 4
	}
	return 3
}

// ReadSysfsInt reads an integer value out of a sysfs node (e.g. a
// hwmon voltage/current leaf), trimming surrounding whitespace.
func ReadSysfsInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

const (
	// VoltageSysfsPath and CurrentSysfsPath are where TICI reports the
	// board's power rail directly, bypassing the board's own ADC, per
	// spec.md §4.4's platform note.
	VoltageSysfsPath = "/sys/class/hwmon/hwmon1/in1_input"
	CurrentSysfsPath = "/sys/class/hwmon/hwmon1/curr1_input"
)
