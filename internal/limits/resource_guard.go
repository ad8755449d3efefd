package limits

import (
	"fmt"
	"runtime"
)

// ResourceGuard is the emergency brake on admission: it refuses new
// connections while the process is already overloaded. A zero threshold
// disables that check.
type ResourceGuard struct {
	MaxGoroutines      int
	CPURejectThreshold float64 // percent

	// CPU reports the latest sampled process CPU percent.
	CPU func() float64
	// Goroutines defaults to runtime.NumGoroutine.
	Goroutines func() int
}

// ShouldAcceptConnection reports whether a new connection may be admitted
// and, if not, why.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	if g == nil {
		return true, ""
	}
	if g.CPURejectThreshold > 0 && g.CPU != nil {
		if cpu := g.CPU(); cpu > g.CPURejectThreshold {
			return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpu, g.CPURejectThreshold)
		}
	}
	if g.MaxGoroutines > 0 {
		count := runtime.NumGoroutine
		if g.Goroutines != nil {
			count = g.Goroutines
		}
		if n := count(); n >= g.MaxGoroutines {
			return false, fmt.Sprintf("goroutines %d >= %d", n, g.MaxGoroutines)
		}
	}
	return true, ""
}
