package monitoring

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Probe fills the part of a snapshot owned by one component.
type Probe func(*Snapshot)

// Broadcaster delivers monitoring events (metrics:update, alert:update) to clients.
type Broadcaster func(event string, payload any)

// CollectorConfig configures the three periodic tasks.
type CollectorConfig struct {
	MetricsInterval time.Duration // default 10s
	AlertInterval   time.Duration // default 30s
	LeakInterval    time.Duration // default 1m
	History         int           // snapshots kept, default 360

	Leak         LeakDetector
	FreeOSMemory bool // hint the runtime to return memory when a leak is suspected

	Rules     []AlertRule
	Notifier  Alerter // receives every new alert; wrap in SeverityFilter to drop low levels
	Audit     *AuditLogger
	Exporter  *Exporter
	Broadcast Broadcaster

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Collector samples platform health, keeps a short history and evaluates
// alert rules against it.
type Collector struct {
	config  CollectorConfig
	probes  []Probe
	history *Ring[Snapshot]
	engine  *AlertEngine
	proc    *process.Process
	started time.Time

	mu         sync.Mutex
	lastLeak   LeakReport
	prevReject int64
	havePrev   bool

	clock  clock.Clock
	logger zerolog.Logger
}

func NewCollector(config CollectorConfig) *Collector {
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 10 * time.Second
	}
	if config.AlertInterval <= 0 {
		config.AlertInterval = 30 * time.Second
	}
	if config.LeakInterval <= 0 {
		config.LeakInterval = time.Minute
	}
	if config.History <= 0 {
		config.History = 360
	}
	if config.Leak.Samples < 2 {
		config.Leak.Samples = 12
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Rules == nil {
		config.Rules = DefaultAlertRules()
	}

	logger := config.Logger.With().Str("component", "metrics_collector").Logger()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process sampling unavailable, RSS and CPU will read 0")
		proc = nil
	}

	return &Collector{
		config:  config,
		history: NewRing[Snapshot](config.History),
		engine:  NewAlertEngine(config.Rules, config.Clock),
		proc:    proc,
		started: config.Clock.Now(),
		clock:   config.Clock,
		logger:  logger,
	}
}

// AddProbe registers a component probe. Not safe to call once Run has started.
func (c *Collector) AddProbe(p Probe) {
	c.probes = append(c.probes, p)
}

// Collect takes one snapshot, appends it to the history and broadcasts it.
func (c *Collector) Collect() Snapshot {
	now := c.clock.Now()
	snap := Snapshot{Timestamp: now}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.Process = ProcessStats{
		HeapMB:        float64(mem.HeapAlloc) / 1024 / 1024,
		HeapObjects:   mem.HeapObjects,
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         mem.NumGC,
		UptimeSeconds: now.Sub(c.started).Seconds(),
	}
	if c.proc != nil {
		if info, err := c.proc.MemoryInfo(); err == nil {
			snap.Process.RSSMB = float64(info.RSS) / 1024 / 1024
		}
		if pct, err := c.proc.Percent(0); err == nil {
			snap.Process.CPUPercent = pct
		}
	}

	for _, probe := range c.probes {
		Guard(c.logger, "metricsProbe", func() { probe(&snap) })
	}

	if snap.Sessions.Max > 0 {
		snap.Sessions.Utilization = float64(snap.Sessions.Active) / float64(snap.Sessions.Max)
	}

	c.mu.Lock()
	if c.havePrev && snap.RateLimit.Rejected >= c.prevReject {
		snap.RateLimit.RejectedPerInterval = snap.RateLimit.Rejected - c.prevReject
	}
	c.prevReject = snap.RateLimit.Rejected
	c.havePrev = true
	c.mu.Unlock()

	c.history.Push(snap)

	if c.config.Exporter != nil {
		c.config.Exporter.Observe(snap, len(c.engine.Active()))
	}
	c.broadcast("metrics:update", map[string]any{
		"timestamp": snap.Timestamp,
		"metrics":   snap,
	})
	return snap
}

// EvaluateAlerts runs every rule against the latest snapshot.
func (c *Collector) EvaluateAlerts() []Alert {
	snap, ok := c.history.Latest()
	if !ok {
		return nil
	}

	changes := c.engine.Evaluate(snap.Values())
	for _, alert := range changes {
		c.broadcast("alert:update", alert)

		if alert.Resolved() {
			c.logger.Info().
				Str("rule", alert.RuleID).
				Float64("value", alert.ObservedValue).
				Msg("Alert resolved")
			continue
		}

		c.logger.Warn().
			Str("rule", alert.RuleID).
			Str("severity", string(alert.Severity)).
			Float64("value", alert.ObservedValue).
			Float64("threshold", alert.Threshold).
			Msg("Alert triggered")

		metadata := map[string]any{
			"rule":      alert.RuleID,
			"metric":    alert.MetricPath,
			"value":     alert.ObservedValue,
			"threshold": alert.Threshold,
		}
		if c.config.Notifier != nil {
			c.config.Notifier.Alert(alert.Severity.AuditLevel(), alert.Message, metadata)
		}
		if c.config.Audit != nil {
			c.config.Audit.Log(AuditEvent{
				Level:    alert.Severity.AuditLevel(),
				Event:    "AlertTriggered",
				Message:  alert.Message,
				Metadata: metadata,
			})
		}
	}
	return changes
}

// CheckLeak runs the heap growth heuristic over recent history.
func (c *Collector) CheckLeak() LeakReport {
	report := c.config.Leak.Check(c.history.Last(c.config.Leak.Samples))

	c.mu.Lock()
	c.lastLeak = report
	c.mu.Unlock()

	if c.config.Exporter != nil {
		c.config.Exporter.SetLeakSuspected(report.Suspected)
	}

	if report.Suspected {
		c.logger.Warn().
			Float64("growth_mb_per_min", report.GrowthMBPerMin).
			Int("samples", report.Samples).
			Msg("Sustained heap growth detected, possible memory leak")
		if c.config.Audit != nil {
			c.config.Audit.Warning("PossibleMemoryLeak", "Sustained heap growth detected", map[string]any{
				"growth_mb_per_min": report.GrowthMBPerMin,
				"samples":           report.Samples,
			})
		}
		if c.config.FreeOSMemory {
			debug.FreeOSMemory()
		}
	}
	return report
}

func (c *Collector) broadcast(event string, payload any) {
	if c.config.Broadcast == nil {
		return
	}
	Guard(c.logger, "metricsBroadcast", func() { c.config.Broadcast(event, payload) })
}

// Run starts the collection, alert and leak loops and blocks until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loop := func(name string, interval time.Duration, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer RecoverPanic(c.logger, name, nil)

			ticker := c.clock.Ticker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					Guard(c.logger, name, fn)
				}
			}
		}()
	}

	loop("metricsCollection", c.config.MetricsInterval, func() { c.Collect() })
	loop("alertEvaluation", c.config.AlertInterval, func() { c.EvaluateAlerts() })
	loop("leakCheck", c.config.LeakInterval, func() { c.CheckLeak() })

	c.logger.Info().
		Dur("metrics_interval", c.config.MetricsInterval).
		Dur("alert_interval", c.config.AlertInterval).
		Dur("leak_interval", c.config.LeakInterval).
		Int("rules", len(c.config.Rules)).
		Msg("Monitoring loops started")

	wg.Wait()
}

func (c *Collector) Latest() (Snapshot, bool) {
	return c.history.Latest()
}

func (c *Collector) History(n int) []Snapshot {
	return c.history.Last(n)
}

func (c *Collector) HistoryLen() int {
	return c.history.Len()
}

func (c *Collector) ActiveAlerts() []Alert {
	return c.engine.Active()
}

func (c *Collector) LastLeakReport() LeakReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLeak
}
