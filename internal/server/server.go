// Package server is the network edge: websocket upgrade and admission,
// per-connection pumps, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/handlers"
	"github.com/adred-codev/realtime/internal/limits"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/voice"
)

type Config struct {
	Addr              string
	MaxConnections    int
	ReadTimeout       time.Duration // no inbound frame for this long ends the session
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	SendBuffer        int
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration // advertised to clients
	NodeID            string
}

func (c *Config) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 27 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Deps are the components the edge hands work to.
type Deps struct {
	Registry      *session.Registry
	Dispatcher    *handlers.Dispatcher
	Authenticator *auth.Authenticator
	ConnLimiter   *limits.ConnectionRateLimiter
	Guard         *limits.ResourceGuard
	Breakers      *breaker.Executor
	Bus           bus.Bus
	Hub           *fanout.Hub
	Voice         *voice.Manager
	Collector     *monitoring.Collector
	Exporter      *monitoring.Exporter
	Audit         *monitoring.AuditLogger
	Logger        zerolog.Logger
}

type Server struct {
	config Config
	Deps
	registry   *session.Registry
	dispatcher *handlers.Dispatcher
	logger     zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	active       atomic.Int64
	shuttingDown atomic.Bool
	startedAt    time.Time
}

func New(config Config, deps Deps) *Server {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		Deps:       deps,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger.With().Str("component", "server").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.Exporter != nil {
		mux.Handle("/metrics", s.Exporter.Handler())
	}
	mux.HandleFunc("/metrics/snapshot", s.handleSnapshot)
	return mux
}

// Start listens on Config.Addr and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go func() {
		defer monitoring.RecoverPanic(s.logger, "httpServe", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.config.MaxConnections).
		Msg("Server listening")
	if s.Audit != nil {
		s.Audit.Info("server_started", "Realtime server started", map[string]any{
			"addr":            s.config.Addr,
			"max_connections": s.config.MaxConnections,
			"node_id":         s.config.NodeID,
		})
	}
	return nil
}

// Addr is the bound listener address, useful when Config.Addr ends in :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) reject(w http.ResponseWriter, ip, reason string, status int) {
	if s.Exporter != nil {
		s.Exporter.IncConnectionRejected(reason)
	}
	s.logger.Debug().Str("client_ip", ip).Str("reason", reason).Msg("Connection rejected")
	http.Error(w, reason, status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.shuttingDown.Load() {
		s.reject(w, ip, "shutting_down", http.StatusServiceUnavailable)
		return
	}
	if s.ConnLimiter != nil && !s.ConnLimiter.CheckConnectionAllowed(ip) {
		s.reject(w, ip, "rate_limited", http.StatusTooManyRequests)
		return
	}
	if ok, why := s.Guard.ShouldAcceptConnection(); !ok {
		s.logger.Warn().Str("client_ip", ip).Str("reason", why).Msg("Connection rejected: overloaded")
		s.reject(w, ip, "overloaded", http.StatusServiceUnavailable)
		return
	}
	if s.active.Add(1) > int64(s.config.MaxConnections) {
		s.active.Add(-1)
		s.reject(w, ip, "capacity", http.StatusServiceUnavailable)
		return
	}

	identity, authErr := s.Authenticator.Authenticate(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.active.Add(-1)
		if s.Exporter != nil {
			s.Exporter.IncConnectionRejected("upgrade_failed")
		}
		s.logger.Warn().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	if authErr != nil {
		s.refuse(conn, ip, authErr)
		return
	}

	c := newClient(conn, ip, s.config.SendBuffer, time.Now(), s.disconnectSlow)
	info, err := s.registry.Register(s.ctx, c, identity)
	if err != nil {
		s.refuse(conn, ip, err)
		return
	}
	c.setSessionID(info.ID)

	if s.Exporter != nil {
		s.Exporter.IncConnections()
	}
	s.logger.Info().
		Str("session_id", info.ID).
		Str("user_id", info.UserID).
		Str("client_ip", ip).
		Int64("active", s.active.Load()).
		Msg("Client connected")

	if frame, _, err := fanout.EncodeFrame("connected", map[string]any{
		"sessionId":           info.ID,
		"userId":              info.UserID,
		"nodeId":              s.config.NodeID,
		"heartbeatIntervalMs": s.config.HeartbeatInterval.Milliseconds(),
	}); err == nil {
		c.Deliver(frame)
	}

	s.wg.Add(2)
	go s.writePump(c, info.ID)
	go s.readPump(c, info)
}

// refuse writes an error frame and a policy-violation close, then drops the
// connection. Used for authentication and suspension failures.
func (s *Server) refuse(conn net.Conn, ip string, err error) {
	defer s.active.Add(-1)
	defer conn.Close()

	code := apperr.CodeOf(err)
	if s.Exporter != nil {
		s.Exporter.IncConnectionRejected(strings.ToLower(code))
	}
	if s.Audit != nil {
		s.Audit.Warning("connection_refused", "Connection refused after upgrade", map[string]any{
			"client_ip": ip,
			"code":      code,
		})
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if frame, _, encErr := fanout.EncodeFrame("error", handlers.AckError{Code: code, Message: apperr.MessageOf(err)}); encErr == nil {
		_ = wsutil.WriteServerMessage(conn, ws.OpText, frame)
	}
	body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, code)
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
}

func (s *Server) disconnectSlow(c *client) {
	id := c.id()
	if id == "" {
		return
	}
	if s.registry.Disconnect(id, session.ReasonSlowClient) {
		s.logger.Warn().
			Str("session_id", id).
			Str("client_ip", c.remoteIP).
			Dur("connected_for", time.Since(c.connectedAt)).
			Msg("Disconnected slow client")
		if s.Audit != nil {
			s.Audit.ForSession(id).Warning("slow_client_disconnected", "Client disconnected for being too slow", map[string]any{
				"strikes": slowClientStrikes,
			})
		}
	}
}

// Shutdown stops accepting connections, waits up to ShutdownGrace for
// sessions to drain, then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()
	check := time.NewTicker(time.Second)
	defer check.Stop()

drain:
	for s.registry.Count() > 0 {
		select {
		case <-grace.C:
			s.logger.Warn().Int("remaining", s.registry.Count()).Msg("Grace period expired, force closing sessions")
			break drain
		case <-ctx.Done():
			break drain
		case <-check.C:
			s.logger.Info().Int("remaining", s.registry.Count()).Msg("Waiting for sessions to drain")
		}
	}

	s.registry.Close()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for connection pumps")
	}
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

type healthReport struct {
	Status    string            `json:"status"`
	NodeID    string            `json:"nodeId"`
	Uptime    string            `json:"uptime"`
	Sessions  session.Stats     `json:"sessions"`
	Breakers  []breaker.Stats   `json:"breakers"`
	Bus       *busHealth        `json:"bus,omitempty"`
	Fanout    *fanout.Stats     `json:"fanout,omitempty"`
	Voice     *voice.Stats      `json:"voice,omitempty"`
	Memory    map[string]uint64 `json:"memory"`
	Problems  []string          `json:"problems,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type busHealth struct {
	Driver    string    `json:"driver"`
	Connected bool      `json:"connected"`
	Stats     bus.Stats `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{
		Status:    "healthy",
		NodeID:    s.config.NodeID,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:  s.registry.Stats(),
		Memory:    memoryUsage(),
		Timestamp: time.Now().UTC(),
	}
	if s.Breakers != nil {
		report.Breakers = s.Breakers.Stats()
		for _, b := range report.Breakers {
			if b.State == breaker.StateOpen {
				report.Problems = append(report.Problems, "breaker "+b.Name+" open")
			}
		}
	}
	if s.Bus != nil {
		report.Bus = &busHealth{Driver: s.Bus.Driver(), Connected: s.Bus.Connected(), Stats: s.Bus.Stats()}
		if !report.Bus.Connected {
			report.Problems = append(report.Problems, "bus disconnected")
		}
	}
	if s.Hub != nil {
		st := s.Hub.Stats()
		report.Fanout = &st
	}
	if s.Voice != nil {
		st := s.Voice.Stats()
		report.Voice = &st
	}

	status := http.StatusOK
	switch {
	case s.shuttingDown.Load():
		report.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	case len(report.Problems) > 0:
		report.Status = "degraded"
	}
	writeJSON(w, status, report)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.Collector == nil {
		http.Error(w, "metrics collector disabled", http.StatusNotFound)
		return
	}
	latest, ok := s.Collector.Latest()
	body := map[string]any{
		"historyLength": s.Collector.HistoryLen(),
		"activeAlerts":  s.Collector.ActiveAlerts(),
		"leak":          s.Collector.LastLeakReport(),
	}
	if ok {
		body["latest"] = latest
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func memoryUsage() map[string]uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]uint64{
		"allocMB":     m.Alloc / 1024 / 1024,
		"sysMB":       m.Sys / 1024 / 1024,
		"heapObjects": m.HeapObjects,
		"numGC":       uint64(m.NumGC),
		"goroutines":  uint64(runtime.NumGoroutine()),
	}
}
