//go:build !linux

package platform

// Pin is a no-op off Linux: realtime scheduling and CPU affinity pinning
// are Linux-specific and boardd only ships for Linux targets in
// production; this stub exists so the package still builds for
// development on other hosts.
func Pin(priority int, core int) error {
	return nil
}
