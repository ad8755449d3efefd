// Package breaker guards calls to dependencies (storage, bus, room service)
// with per-dependency circuit breakers.
//
// State machine:
//
//	closed    -> open       consecutive failures reach FailureThreshold
//	open      -> half-open  next call after OpenDuration since the last failure
//	half-open -> closed     SuccessThreshold consecutive successes
//	half-open -> open       any failure
//
// The open -> half-open transition is lazy: it happens on the call that
// observes the elapsed timeout, never on a timer.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Breaker names, one per dependency class.
const (
	Storage     = "storage"
	Bus         = "bus"
	RoomService = "external-room-service"
	Delivery    = "delivery" // outbound alert webhooks
	Auth        = "auth"     // connect-time ban lookup
	RateLimit   = "rate-limit"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Settings are the thresholds for one breaker.
type Settings struct {
	FailureThreshold int
	OpenDuration     time.Duration
	SuccessThreshold int
}

// DefaultSettings apply to any breaker without an explicit entry.
var DefaultSettings = Settings{
	FailureThreshold: 5,
	OpenDuration:     60 * time.Second,
	SuccessThreshold: 3,
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	HalfOpenSuccesses   int           `json:"halfOpenSuccesses"`
	LastFailureAt       *time.Time    `json:"lastFailureAt,omitempty"`
	LastSuccessAt       *time.Time    `json:"lastSuccessAt,omitempty"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Rejections          int64         `json:"rejections"`
	AvgLatency          time.Duration `json:"avgLatency"`
	Settings            Settings      `json:"-"`
}

type circuit struct {
	name     string
	settings Settings

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time

	successes    int64
	failures     int64
	rejections   int64
	totalLatency time.Duration
}

func (c *circuit) stats() Stats {
	s := Stats{
		Name:                c.name,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		HalfOpenSuccesses:   c.halfOpenSuccesses,
		Successes:           c.successes,
		Failures:            c.failures,
		Rejections:          c.rejections,
		Settings:            c.settings,
	}
	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		s.LastFailureAt = &t
	}
	if !c.lastSuccessAt.IsZero() {
		t := c.lastSuccessAt
		s.LastSuccessAt = &t
	}
	if calls := c.successes + c.failures; calls > 0 {
		s.AvgLatency = c.totalLatency / time.Duration(calls)
	}
	return s
}

// StateChange is passed to the transition hook.
type StateChange struct {
	Name  string
	From  State
	To    State
	Stats Stats
}

// Config configures an Executor.
type Config struct {
	Defaults  Settings
	Overrides map[string]Settings

	// OnStateChange runs after every transition, outside the executor lock.
	OnStateChange func(StateChange)

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Executor owns every breaker of a process.
type Executor struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	defaults  Settings
	overrides map[string]Settings
	onChange  func(StateChange)
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewExecutor(config Config) *Executor {
	if config.Defaults == (Settings{}) {
		config.Defaults = DefaultSettings
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Executor{
		circuits:  make(map[string]*circuit),
		defaults:  config.Defaults,
		overrides: config.Overrides,
		onChange:  config.OnStateChange,
		clock:     config.Clock,
		logger:    config.Logger.With().Str("component", "circuit_breaker").Logger(),
	}
}

// circuitFor must be called with e.mu held.
func (e *Executor) circuitFor(name string) *circuit {
	c, ok := e.circuits[name]
	if !ok {
		settings, ok := e.overrides[name]
		if !ok {
			settings = e.defaults
		}
		c = &circuit{name: name, settings: settings, state: StateClosed}
		e.circuits[name] = c
	}
	return c
}

// acquire decides whether a call may proceed.
func (e *Executor) acquire(name string) (bool, *StateChange) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.circuitFor(name)
	if c.state != StateOpen {
		return true, nil
	}

	if e.clock.Now().Sub(c.lastFailureAt) >= c.settings.OpenDuration {
		c.state = StateHalfOpen
		c.halfOpenSuccesses = 0
		return true, &StateChange{Name: name, From: StateOpen, To: StateHalfOpen, Stats: c.stats()}
	}

	c.rejections++
	return false, nil
}

func (e *Executor) record(name string, err error, latency time.Duration) *StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.circuitFor(name)
	now := e.clock.Now()
	c.totalLatency += latency

	if !IsFailure(err) {
		c.successes++
		c.lastSuccessAt = now
		c.consecutiveFailures = 0
		if c.state == StateHalfOpen {
			c.halfOpenSuccesses++
			if c.halfOpenSuccesses >= c.settings.SuccessThreshold {
				c.state = StateClosed
				c.halfOpenSuccesses = 0
				return &StateChange{Name: name, From: StateHalfOpen, To: StateClosed, Stats: c.stats()}
			}
		}
		return nil
	}

	c.failures++
	c.consecutiveFailures++
	c.lastFailureAt = now

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.halfOpenSuccesses = 0
		return &StateChange{Name: name, From: StateHalfOpen, To: StateOpen, Stats: c.stats()}
	case StateClosed:
		if c.consecutiveFailures >= c.settings.FailureThreshold {
			c.state = StateOpen
			return &StateChange{Name: name, From: StateClosed, To: StateOpen, Stats: c.stats()}
		}
	}
	return nil
}

func (e *Executor) notify(change *StateChange) {
	if change == nil {
		return
	}

	event := e.logger.Info()
	if change.To == StateOpen {
		event = e.logger.Warn()
	}
	event.
		Str("breaker", change.Name).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Int("consecutive_failures", change.Stats.ConsecutiveFailures).
		Msg("Circuit breaker state changed")

	if e.onChange != nil {
		e.onChange(*change)
	}
}

// Execute runs op through the named breaker.
//
// When the breaker is open, fallback (if any) is invoked with a
// CircuitOpen error; otherwise that error is returned and op is not called.
// When op fails the failure is recorded first, then fallback (if any)
// receives the error. Without a fallback op errors propagate unchanged.
func Execute[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	allowed, change := e.acquire(name)
	e.notify(change)

	if !allowed {
		err := apperr.CircuitOpen(name)
		if fallback != nil {
			return fallback(ctx, err)
		}
		var zero T
		return zero, err
	}

	start := e.clock.Now()
	result, err := op(ctx)
	e.notify(e.record(name, err, e.clock.Now().Sub(start)))

	if IsFailure(err) && fallback != nil {
		return fallback(ctx, err)
	}
	return result, err
}

// IsFailure reports whether err reflects dependency health. Errors the
// dependency answered deliberately (missing record, rejected input) do not
// count against the breaker and never trigger a fallback.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict,
		apperr.KindPermission, apperr.KindAuthentication, apperr.KindSuspended:
		return false
	}
	return true
}

// Do is Execute for operations without a result.
func (e *Executor) Do(ctx context.Context, name string, op func(context.Context) error, fallback func(context.Context, error) error) error {
	var fb func(context.Context, error) (struct{}, error)
	if fallback != nil {
		fb = func(ctx context.Context, err error) (struct{}, error) {
			return struct{}{}, fallback(ctx, err)
		}
	}
	_, err := Execute(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, fb)
	return err
}

// State returns the current state without triggering the lazy transition.
func (e *Executor) State(name string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.circuitFor(name).state
}

// Stats returns a snapshot of every breaker that has been used, sorted by name.
func (e *Executor) Stats() []Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Stats, 0, len(e.circuits))
	for _, c := range e.circuits {
		out = append(out, c.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCount returns how many breakers are currently open.
func (e *Executor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.circuits {
		if c.state == StateOpen {
			n++
		}
	}
	return n
}

// Register pre-creates breakers so they show up in health output before first use.
func (e *Executor) Register(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		e.circuitFor(n)
	}
}
