package limits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Rule is the quota for one event type: at most Max calls per Window.
type Rule struct {
	Event  string
	Max    int
	Window time.Duration
}

// DefaultRules are applied when no RATE_LIMITS override is configured.
var DefaultRules = []Rule{
	{Event: "message:send", Max: 30, Window: time.Minute},
	{Event: "message:edit", Max: 20, Window: time.Minute},
	{Event: "message:delete", Max: 20, Window: time.Minute},
	{Event: "reaction:add", Max: 60, Window: time.Minute},
	{Event: "reaction:remove", Max: 60, Window: time.Minute},
	{Event: "typing:start", Max: 10, Window: 10 * time.Second},
	{Event: "vote:cast", Max: 60, Window: time.Minute},
	{Event: "comment:create", Max: 10, Window: time.Minute},
	{Event: "voice:join", Max: 10, Window: time.Minute},
	{Event: "voice:update_state", Max: 60, Window: time.Minute},
	{Event: "screenshare:start", Max: 5, Window: 5 * time.Minute},
	{Event: "search:suggest", Max: 30, Window: 10 * time.Second},
	{Event: "moderation:report", Max: 5, Window: 10 * time.Minute},
	{Event: "presence:update", Max: 10, Window: time.Minute},
}

// Limiter gates a (subject, event type) pair.
type Limiter interface {
	Allow(subjectID, eventType string) bool
}

// RateLimiterConfig configures the per-process limiter.
type RateLimiterConfig struct {
	Rules         []Rule
	SweepInterval time.Duration // default 1 minute
	Clock         clock.Clock
	Logger        zerolog.Logger
}

type bucketKey struct {
	subject string
	event   string
}

type bucket struct {
	windowStart time.Time
	count       int
	rule        Rule
}

// RateLimiter is a fixed-window counter per (subject, event type).
//
// State is in-memory and per process: a subject connected through two
// processes gets each process's full quota.
type RateLimiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[bucketKey]*bucket

	allowed         int64
	rejected        int64
	rejectedByEvent map[string]int64
	sweepInterval   time.Duration
	clock           clock.Clock
	logger          zerolog.Logger
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Rules == nil {
		config.Rules = DefaultRules
	}

	rules := make(map[string]Rule, len(config.Rules))
	for _, r := range config.Rules {
		rules[r.Event] = r
	}

	return &RateLimiter{
		rules:           rules,
		buckets:         make(map[bucketKey]*bucket),
		rejectedByEvent: make(map[string]int64),
		sweepInterval:   config.SweepInterval,
		clock:           config.Clock,
		logger:          config.Logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Rule returns the configured quota for an event type.
func (rl *RateLimiter) Rule(eventType string) (Rule, bool) {
	r, ok := rl.rules[eventType]
	return r, ok
}

// Allow reports whether the call is within quota.
//
// Event types without a rule are always allowed. A rejected call does not
// increment the counter.
func (rl *RateLimiter) Allow(subjectID, eventType string) bool {
	rule, ok := rl.rules[eventType]
	if !ok {
		return true
	}

	now := rl.clock.Now()
	key := bucketKey{subject: subjectID, event: eventType}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists || now.After(b.windowStart.Add(rule.Window)) {
		rl.buckets[key] = &bucket{windowStart: now, count: 1, rule: rule}
		rl.allowed++
		return true
	}

	if b.count >= rule.Max {
		rl.rejected++
		rl.rejectedByEvent[eventType]++
		return false
	}

	b.count++
	rl.allowed++
	return true
}

// record counts a decision made by another backend.
func (rl *RateLimiter) record(eventType string, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if allowed {
		rl.allowed++
		return
	}
	rl.rejected++
	rl.rejectedByEvent[eventType]++
}

// Sweep removes buckets whose window has elapsed.
func (rl *RateLimiter) Sweep() int {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.After(b.windowStart.Add(b.rule.Window)) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired buckets until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(rl.logger, "rateLimiterSweep", nil)

	ticker := rl.clock.Ticker(rl.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := rl.Sweep(); removed > 0 {
				rl.logger.Debug().
					Int("removed", removed).
					Msg("Purged expired rate limit buckets")
			}
		}
	}
}

// RateLimiterStats is a point-in-time view of limiter counters.
type RateLimiterStats struct {
	Buckets         int              `json:"buckets"`
	Allowed         int64            `json:"allowed"`
	Rejected        int64            `json:"rejected"`
	RejectedByEvent map[string]int64 `json:"rejectedByEvent"`
	Rules           []Rule           `json:"-"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	byEvent := make(map[string]int64, len(rl.rejectedByEvent))
	for k, v := range rl.rejectedByEvent {
		byEvent[k] = v
	}

	rules := make([]Rule, 0, len(rl.rules))
	for _, r := range rl.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Event < rules[j].Event })

	return RateLimiterStats{
		Buckets:         len(rl.buckets),
		Allowed:         rl.allowed,
		Rejected:        rl.rejected,
		RejectedByEvent: byEvent,
		Rules:           rules,
	}
}
