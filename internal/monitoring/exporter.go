package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes platform metrics in the Prometheus text format.
//
// Gauges mirror the latest Snapshot (see Observe); counters are incremented
// directly by the components that own the events.
type Exporter struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsMax       prometheus.Gauge
	roomsActive       prometheus.Gauge
	voiceRooms        prometheus.Gauge
	voiceParticipants prometheus.Gauge
	screenShares      prometheus.Gauge
	heapBytes         prometheus.Gauge
	rssBytes          prometheus.Gauge
	cpuPercent        prometheus.Gauge
	busConnected      prometheus.Gauge
	breakerState      *prometheus.GaugeVec
	alertsActive      prometheus.Gauge
	leakSuspected     prometheus.Gauge

	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	disconnectsTotal    *prometheus.CounterVec
	eventsTotal         *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	busMessagesTotal    *prometheus.CounterVec
	deliveriesDropped   prometheus.Counter
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Current number of authenticated sessions",
		}),
		sessionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions_max",
			Help: "Configured maximum concurrent sessions",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Rooms currently tracked by the session registry",
		}),
		voiceRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_voice_rooms",
			Help: "Voice rooms with in-memory state",
		}),
		voiceParticipants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_voice_participants",
			Help: "Participants across all voice rooms",
		}),
		screenShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_screenshares_active",
			Help: "Screen shares currently live",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_heap_bytes",
			Help: "Heap in use at the last snapshot",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_rss_bytes",
			Help: "Resident set size at the last snapshot",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		}),
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_bus_connected",
			Help: "Cross-process bus status (1=connected, 0=disconnected)",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_alerts_active",
			Help: "Unresolved alerts",
		}),
		leakSuspected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_memory_leak_suspected",
			Help: "1 when the heap growth heuristic flags a possible leak",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total sessions registered",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Connection attempts rejected by reason",
		}, []string{"reason"}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_disconnects_total",
			Help: "Session disconnects by reason",
		}, []string{"reason"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Inbound events handled by event name and result code",
		}, []string{"event", "result"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_rate_limited_total",
			Help: "Events rejected by the rate limiter",
		}, []string{"event"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"breaker", "to"}),
		busMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_bus_messages_total",
			Help: "Bus envelopes by direction",
		}, []string{"direction"}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_deliveries_dropped_total",
			Help: "Frames dropped because a client send buffer was full",
		}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.sessionsActive, e.sessionsMax, e.roomsActive,
		e.voiceRooms, e.voiceParticipants, e.screenShares,
		e.heapBytes, e.rssBytes, e.cpuPercent,
		e.busConnected, e.breakerState, e.alertsActive, e.leakSuspected,
		e.connectionsTotal, e.connectionsRejected, e.disconnectsTotal,
		e.eventsTotal, e.rateLimitedTotal, e.breakerTransitions,
		e.busMessagesTotal, e.deliveriesDropped,
	)
	return e
}

// Observe copies a snapshot into the gauges.
func (e *Exporter) Observe(s Snapshot, activeAlerts int) {
	e.sessionsActive.Set(float64(s.Sessions.Active))
	e.sessionsMax.Set(float64(s.Sessions.Max))
	e.roomsActive.Set(float64(s.Sessions.Rooms))
	e.voiceRooms.Set(float64(s.Voice.Rooms))
	e.voiceParticipants.Set(float64(s.Voice.Participants))
	e.screenShares.Set(float64(s.Voice.ActiveShares))
	e.heapBytes.Set(s.Process.HeapMB * 1024 * 1024)
	e.rssBytes.Set(s.Process.RSSMB * 1024 * 1024)
	e.cpuPercent.Set(s.Process.CPUPercent)
	e.busConnected.Set(boolToFloat(s.Bus.Connected))
	e.alertsActive.Set(float64(activeAlerts))

	for name, state := range s.Breakers.States {
		var v float64
		switch state {
		case "half-open":
			v = 1
		case "open":
			v = 2
		}
		e.breakerState.WithLabelValues(name).Set(v)
	}
}

func (e *Exporter) SetLeakSuspected(suspected bool) {
	e.leakSuspected.Set(boolToFloat(suspected))
}

func (e *Exporter) IncConnections() {
	e.connectionsTotal.Inc()
}

func (e *Exporter) IncConnectionRejected(reason string) {
	e.connectionsRejected.WithLabelValues(reason).Inc()
}

func (e *Exporter) IncDisconnect(reason string) {
	e.disconnectsTotal.WithLabelValues(reason).Inc()
}

func (e *Exporter) IncEvent(event, result string) {
	e.eventsTotal.WithLabelValues(event, result).Inc()
}

func (e *Exporter) IncRateLimited(event string) {
	e.rateLimitedTotal.WithLabelValues(event).Inc()
}

func (e *Exporter) IncBreakerTransition(breaker, to string) {
	e.breakerTransitions.WithLabelValues(breaker, to).Inc()
}

func (e *Exporter) IncBusMessage(direction string) {
	e.busMessagesTotal.WithLabelValues(direction).Inc()
}

func (e *Exporter) IncDeliveryDropped() {
	e.deliveriesDropped.Inc()
}

// Handler serves the registry in the text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
