package monitoring

import (
	"sync"
	"time"
)

type ProcessStats struct {
	HeapMB        float64 `json:"heapMB"`
	HeapObjects   uint64  `json:"heapObjects"`
	RSSMB         float64 `json:"rssMB"`
	CPUPercent    float64 `json:"cpuPercent"`
	Goroutines    int     `json:"goroutines"`
	NumGC         uint32  `json:"numGC"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type SessionStats struct {
	Active            int     `json:"active"`
	Max               int     `json:"max"`
	Utilization       float64 `json:"utilization"`
	Rooms             int     `json:"rooms"`
	ForcedDisconnects int64   `json:"forcedDisconnects"`
}

type VoiceStats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	ActiveShares int `json:"activeShares"`
}

type BusStats struct {
	Driver    string `json:"driver"`
	Connected bool   `json:"connected"`
	Published int64  `json:"published"`
	Received  int64  `json:"received"`
	Errors    int64  `json:"errors"`
}

type BreakerSummary struct {
	Open     int               `json:"open"`
	HalfOpen int               `json:"halfOpen"`
	States   map[string]string `json:"states"`
}

type RateLimitStats struct {
	Allowed             int64 `json:"allowed"`
	Rejected            int64 `json:"rejected"`
	RejectedPerInterval int64 `json:"rejectedPerInterval"`
	Buckets             int   `json:"buckets"`
}

type StorageStats struct {
	Driver    string `json:"driver"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	State     string `json:"state"`
}

// Snapshot is a point-in-time aggregate of platform health.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Process   ProcessStats   `json:"process"`
	Sessions  SessionStats   `json:"sessions"`
	Voice     VoiceStats     `json:"voice"`
	Bus       BusStats       `json:"bus"`
	Breakers  BreakerSummary `json:"breakers"`
	RateLimit RateLimitStats `json:"rateLimit"`
	Storage   StorageStats   `json:"storage"`
}

// Values flattens the snapshot into the metric paths alert rules refer to.
func (s Snapshot) Values() map[string]float64 {
	return map[string]float64{
		"process.heapMB":                s.Process.HeapMB,
		"process.rssMB":                 s.Process.RSSMB,
		"process.cpuPercent":            s.Process.CPUPercent,
		"process.goroutines":            float64(s.Process.Goroutines),
		"sessions.active":               float64(s.Sessions.Active),
		"sessions.utilization":          s.Sessions.Utilization,
		"sessions.rooms":                float64(s.Sessions.Rooms),
		"voice.rooms":                   float64(s.Voice.Rooms),
		"voice.participants":            float64(s.Voice.Participants),
		"voice.activeShares":            float64(s.Voice.ActiveShares),
		"bus.connected":                 boolToFloat(s.Bus.Connected),
		"bus.errors":                    float64(s.Bus.Errors),
		"breakers.open":                 float64(s.Breakers.Open),
		"breakers.halfOpen":             float64(s.Breakers.HalfOpen),
		"rateLimit.rejected":            float64(s.RateLimit.Rejected),
		"rateLimit.rejectedPerInterval": float64(s.RateLimit.RejectedPerInterval),
		"storage.failures":              float64(s.Storage.Failures),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Ring is a fixed-capacity buffer that overwrites its oldest entry.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Last returns up to n most recent items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]T, n)
	start := (r.next - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Latest returns the most recent item.
func (r *Ring[T]) Latest() (T, bool) {
	last := r.Last(1)
	if len(last) == 0 {
		var zero T
		return zero, false
	}
	return last[0], true
}
