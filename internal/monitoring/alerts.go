package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// AuditLevel maps a severity onto the audit/notification scale.
func (s Severity) AuditLevel() AuditLevel {
	switch s {
	case SeverityCritical:
		return CRITICAL
	case SeverityWarning:
		return WARNING
	default:
		return INFO
	}
}

type Comparator string

const (
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
	Equal          Comparator = "=="
	NotEqual       Comparator = "!="
)

func (c Comparator) Valid() bool {
	switch c {
	case GreaterThan, GreaterOrEqual, LessThan, LessOrEqual, Equal, NotEqual:
		return true
	}
	return false
}

func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case GreaterThan:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	case LessThan:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	case Equal:
		return value == threshold
	case NotEqual:
		return value != threshold
	}
	return false
}

// AlertRule watches one metric path of the latest snapshot.
type AlertRule struct {
	ID                   string        `json:"id"`
	MetricPath           string        `json:"metricPath"`
	Comparator           Comparator    `json:"comparator"`
	Threshold            float64       `json:"threshold"`
	Severity             Severity      `json:"severity"`
	MinRetriggerInterval time.Duration `json:"minRetriggerInterval"`
	Enabled              bool          `json:"enabled"`
}

// DefaultAlertRules watch capacity, memory, dependency health and abuse.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{ID: "session-capacity", MetricPath: "sessions.utilization", Comparator: GreaterThan, Threshold: 0.9, Severity: SeverityWarning, MinRetriggerInterval: 5 * time.Minute, Enabled: true},
		{ID: "heap-high", MetricPath: "process.heapMB", Comparator: GreaterThan, Threshold: 1024, Severity: SeverityWarning, MinRetriggerInterval: 10 * time.Minute, Enabled: true},
		{ID: "heap-critical", MetricPath: "process.heapMB", Comparator: GreaterThan, Threshold: 2048, Severity: SeverityCritical, MinRetriggerInterval: 5 * time.Minute, Enabled: true},
		{ID: "breaker-open", MetricPath: "breakers.open", Comparator: GreaterThan, Threshold: 0, Severity: SeverityCritical, MinRetriggerInterval: time.Minute, Enabled: true},
		{ID: "bus-disconnected", MetricPath: "bus.connected", Comparator: LessThan, Threshold: 1, Severity: SeverityCritical, MinRetriggerInterval: time.Minute, Enabled: true},
		{ID: "rate-limit-surge", MetricPath: "rateLimit.rejectedPerInterval", Comparator: GreaterThan, Threshold: 100, Severity: SeverityInfo, MinRetriggerInterval: 5 * time.Minute, Enabled: true},
	}
}

// Alert is one firing of a rule.
type Alert struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"ruleId"`
	MetricPath    string     `json:"metricPath"`
	Severity      Severity   `json:"severity"`
	Threshold     float64    `json:"threshold"`
	ObservedValue float64    `json:"observedValue"`
	Message       string     `json:"message"`
	TriggeredAt   time.Time  `json:"triggeredAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

func (a Alert) Resolved() bool {
	return a.ResolvedAt != nil
}

// AlertEngine evaluates rules with hysteresis: one unresolved alert per
// rule, resolved exactly when the condition stops holding.
type AlertEngine struct {
	mu            sync.Mutex
	rules         []AlertRule
	active        map[string]*Alert
	lastTriggered map[string]time.Time
	resolved      []Alert
	maxResolved   int
	clock         clock.Clock
}

func NewAlertEngine(rules []AlertRule, clk clock.Clock) *AlertEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &AlertEngine{
		rules:         rules,
		active:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		maxResolved:   100,
		clock:         clk,
	}
}

// Evaluate applies every enabled rule to values and returns the alerts that
// were created or resolved by this pass. Rules whose metric is absent are
// left untouched.
func (e *AlertEngine) Evaluate(values map[string]float64) []Alert {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var changes []Alert
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		value, ok := values[rule.MetricPath]
		if !ok {
			continue
		}

		holds := rule.Comparator.Holds(value, rule.Threshold)
		current, firing := e.active[rule.ID]

		switch {
		case holds && !firing:
			if last, ok := e.lastTriggered[rule.ID]; ok && now.Sub(last) < rule.MinRetriggerInterval {
				continue
			}
			alert := &Alert{
				ID:            uuid.NewString(),
				RuleID:        rule.ID,
				MetricPath:    rule.MetricPath,
				Severity:      rule.Severity,
				Threshold:     rule.Threshold,
				ObservedValue: value,
				Message:       fmt.Sprintf("%s is %g (%s %g)", rule.MetricPath, value, rule.Comparator, rule.Threshold),
				TriggeredAt:   now,
			}
			e.active[rule.ID] = alert
			e.lastTriggered[rule.ID] = now
			changes = append(changes, *alert)

		case holds && firing:
			current.ObservedValue = value

		case !holds && firing:
			resolvedAt := now
			current.ResolvedAt = &resolvedAt
			current.ObservedValue = value
			delete(e.active, rule.ID)
			e.resolved = append(e.resolved, *current)
			if len(e.resolved) > e.maxResolved {
				e.resolved = e.resolved[len(e.resolved)-e.maxResolved:]
			}
			changes = append(changes, *current)
		}
	}
	return changes
}

// Active returns unresolved alerts ordered by trigger time.
func (e *AlertEngine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// Resolved returns recently resolved alerts, oldest first.
func (e *AlertEngine) Resolved() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.resolved...)
}

func (e *AlertEngine) Rules() []AlertRule {
	return append([]AlertRule(nil), e.rules...)
}
