package monitoring

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AuditLevel represents the severity of an audit event
type AuditLevel string

const (
	DEBUG    AuditLevel = "DEBUG"    // Detailed debug information
	INFO     AuditLevel = "INFO"     // Normal operations
	WARNING  AuditLevel = "WARNING"  // Warning but service continues
	ERROR    AuditLevel = "ERROR"    // Error occurred, may affect some users
	CRITICAL AuditLevel = "CRITICAL" // Critical issue, service degraded/down
)

var auditRanks = map[AuditLevel]int{
	DEBUG:    0,
	INFO:     1,
	WARNING:  2,
	ERROR:    3,
	CRITICAL: 4,
}

// Rank orders levels from DEBUG (0) to CRITICAL (4). Unknown levels rank as INFO.
func (l AuditLevel) Rank() int {
	if r, ok := auditRanks[l]; ok {
		return r
	}
	return auditRanks[INFO]
}

// ParseAuditLevel accepts both audit names and alert severities
// (info, warning, critical).
func ParseAuditLevel(s string) AuditLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARNING
	case "ERROR":
		return ERROR
	case "CRITICAL":
		return CRITICAL
	default:
		return INFO
	}
}

// AuditEvent represents a single auditable event in the system
type AuditEvent struct {
	Level     AuditLevel     `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`                // "RateLimited", "BreakerOpened", "ForcedDisconnect", ...
	SessionID string         `json:"session_id,omitempty"` // Optional session
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLogger records security and operational events.
//
// Events at WARNING and above are forwarded to the configured Alerter.
type AuditLogger struct {
	logger   zerolog.Logger
	minLevel AuditLevel
	alerter  Alerter
}

// NewAuditLogger creates an audit logger that drops events below minLevel.
func NewAuditLogger(logger zerolog.Logger, minLevel AuditLevel) *AuditLogger {
	return &AuditLogger{
		logger:   logger.With().Str("component", "audit").Logger(),
		minLevel: minLevel,
	}
}

// SetAlerter sets the alerter for WARNING, ERROR and CRITICAL events.
func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level.Rank() < a.minLevel.Rank() {
		return
	}

	entry := a.logger.WithLevel(zerologLevel(event.Level)).
		Str("audit_level", string(event.Level)).
		Str("event", event.Event).
		Time("event_time", event.Timestamp)
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg(event.Message)

	if a.alerter != nil && event.Level.Rank() >= WARNING.Rank() {
		a.alerter.Alert(event.Level, event.Message, event.Metadata)
	}
}

func zerologLevel(level AuditLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARNING:
		return zerolog.WarnLevel
	case ERROR, CRITICAL:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (a *AuditLogger) Debug(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: DEBUG, Event: event, Message: message, Metadata: metadata})
}

func (a *AuditLogger) Info(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: INFO, Event: event, Message: message, Metadata: metadata})
}

func (a *AuditLogger) Warning(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: WARNING, Event: event, Message: message, Metadata: metadata})
}

func (a *AuditLogger) Error(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: ERROR, Event: event, Message: message, Metadata: metadata})
}

func (a *AuditLogger) Critical(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: CRITICAL, Event: event, Message: message, Metadata: metadata})
}

// ForSession returns a helper that tags every event with a session id.
func (a *AuditLogger) ForSession(sessionID string) *SessionAudit {
	return &SessionAudit{audit: a, sessionID: sessionID}
}

// SessionAudit logs events related to a single session.
type SessionAudit struct {
	audit     *AuditLogger
	sessionID string
}

func (s *SessionAudit) Info(event, message string, metadata map[string]any) {
	s.audit.Log(AuditEvent{Level: INFO, Event: event, SessionID: s.sessionID, Message: message, Metadata: metadata})
}

func (s *SessionAudit) Warning(event, message string, metadata map[string]any) {
	s.audit.Log(AuditEvent{Level: WARNING, Event: event, SessionID: s.sessionID, Message: message, Metadata: metadata})
}
