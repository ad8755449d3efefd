package platform

import (
	"os"
	"strconv"
	"strings"
)

// cgroupMemoryFiles are tried in order: cgroup v2, then v1.
var cgroupMemoryFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

// MemoryLimit returns the container memory limit in bytes, or 0 when none
// is set or the process is not in a container.
func MemoryLimit() int64 {
	for _, path := range cgroupMemoryFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		raw := strings.TrimSpace(string(data))
		if raw == "max" {
			return 0
		}
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit <= 0 {
			return 0
		}
		// cgroup v1 reports "unlimited" as a huge page-aligned number.
		if limit >= 1<<62 {
			return 0
		}
		return limit
	}
	return 0
}

const (
	runtimeOverheadBytes = 128 << 20
	// Session record, room memberships and a full 256-slot send buffer.
	bytesPerSession = 160 << 10

	minAutoConnections     = 100
	maxAutoConnections     = 50000
	defaultAutoConnections = 10000
)

// MaxConnectionsFor sizes the session cap from a memory limit. Zero means
// unknown and yields the default.
func MaxConnectionsFor(memoryLimitBytes int64) int {
	if memoryLimitBytes <= 0 {
		return defaultAutoConnections
	}
	available := memoryLimitBytes - runtimeOverheadBytes
	if available <= 0 {
		available = memoryLimitBytes / 2
	}
	n := int(available / bytesPerSession)
	if n < minAutoConnections {
		n = minAutoConnections
	}
	if n > maxAutoConnections {
		n = maxAutoConnections
	}
	return n
}
