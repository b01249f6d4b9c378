// Package backends implements the engine adapter for each supported recipe.
// An adapter knows how to install its engine at a pinned release, how to
// translate a model plus effective options into a child process spawn, and
// which child-side endpoints serve each logical operation.
package backends

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// exeSuffix is appended to every engine executable name on Windows.
var exeSuffix = map[string]string{"windows": ".exe"}[runtime.GOOS]

// assetOS maps GOOS onto the OS token used in release asset names.
func assetOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "win"
	default:
		return "linux"
	}
}

// assetArch maps GOARCH onto the architecture token used in release asset
// names.
func assetArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	default:
		return "x64"
	}
}

// listenArgs are the flags every engine server takes for its bind address.
// Children always bind loopback; only the router itself is reachable from
// outside.
func listenArgs(port int) []string {
	return []string{"--host", "127.0.0.1", "--port", strconv.Itoa(port)}
}

// compareVersions compares dotted numeric version strings. Non-numeric
// segments compare as zero. Returns -1, 0 or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

func installedStatus(version, tag string) string {
	if version == "" {
		return "not installed"
	}
	return fmt.Sprintf("installed %s (%s)", version, tag)
}
