package session

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
)

// hostSuffix renders a short "<platform> <version>" suffix for the init
// response's backend string and for startup log context. gopsutil already
// does the cross-platform work of reading this (registry on Windows,
// sw_vers on macOS, /etc/os-release on Linux) so the sidecar doesn't need
// its own per-OS probing just to label itself in a log line.
func hostSuffix() string {
	info, err := host.Info()
	if err != nil {
		log.Debug("host.Info failed", "error", err)
		return "unknown"
	}
	return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
}
