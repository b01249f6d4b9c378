// Package pidfile records the router's pid and port so that local clients
// can discover a running server. The file holds "<pid>\n<port>\n"; a stale
// entry left behind by a crashed process is purged on the next start.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

// Entry is the parsed contents of a pidfile.
type Entry struct {
	PID  int
	Port int
}

// Write records the current process and port at path, purging any stale
// entry first. It fails if another live router already owns the file.
func Write(path string, port int) error {
	if entry, err := Read(path); err == nil {
		if processAlive(entry.PID) {
			return fmt.Errorf("server already running with pid %d on port %d", entry.PID, entry.Port)
		}
		// Stale pidfile from a dead process.
		_ = os.Remove(path)
	}
	data := fmt.Sprintf("%d\n%d\n", os.Getpid(), port)
	if err := atomicwriter.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read parses the pidfile at path.
func Read(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 3)
	if len(lines) < 2 {
		return Entry{}, fmt.Errorf("malformed pidfile %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Entry{}, fmt.Errorf("malformed pid in %s: %w", path, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return Entry{}, fmt.Errorf("malformed port in %s: %w", path, err)
	}
	return Entry{PID: pid, Port: port}, nil
}

// Remove deletes the pidfile, best effort.
func Remove(path string) {
	_ = os.Remove(path)
}
