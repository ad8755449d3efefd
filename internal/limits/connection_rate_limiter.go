package limits

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter admits new connections through two token buckets:
// one per client IP and one global.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	onReject func(scope string)
	clock    clock.Clock
	logger   zerolog.Logger
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection admission.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // connections/sec per IP, default 1.0
	IPTTL   time.Duration // forget idle IPs after this, default 5 minutes

	GlobalBurst int     // default 300
	GlobalRate  float64 // default 50.0

	// OnReject is called with "global" or "per_ip" for every rejection.
	OnReject func(scope string)

	Clock  clock.Clock
	Logger zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		onReject:      config.OnReject,
		clock:         config.Clock,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
	}

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return limiter
}

// CheckConnectionAllowed checks the global bucket first, then the per-IP one.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	now := crl.clock.Now()

	if !crl.globalLimiter.AllowN(now, 1) {
		crl.logger.Debug().
			Str("ip", ip).
			Msg("Connection rejected: global rate limit exceeded")
		crl.reject("global")
		return false
	}

	if !crl.ipLimiter(ip, now).AllowN(now, 1) {
		crl.logger.Debug().
			Str("ip", ip).
			Msg("Connection rejected: per-IP rate limit exceeded")
		crl.reject("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) reject(scope string) {
	if crl.onReject != nil {
		crl.onReject(scope)
	}
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string, now time.Time) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, exists := crl.ipLimiters[ip]
	if !exists {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

// Cleanup removes IP entries idle for longer than the TTL.
func (crl *ConnectionRateLimiter) Cleanup() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.clock.Now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	return removed
}

// Run cleans up stale IP entries every minute until ctx is cancelled.
func (crl *ConnectionRateLimiter) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(crl.logger, "connectionRateLimiterCleanup", nil)

	ticker := crl.clock.Ticker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := crl.Cleanup(); removed > 0 {
				crl.logger.Debug().
					Int("removed", removed).
					Msg("Cleaned up stale IP rate limiters")
			}
		}
	}
}

func (crl *ConnectionRateLimiter) GetStats() map[string]any {
	crl.ipMu.Lock()
	trackedIPs := len(crl.ipLimiters)
	crl.ipMu.Unlock()

	return map[string]any{
		"tracked_ips":  trackedIPs,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"ip_ttl":       crl.ipTTL.String(),
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
