//go:build windows

package pidfile

import (
	"os"
)

// processAlive reports whether a process with the given pid exists. Windows
// FindProcess only fails for nonexistent pids.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
