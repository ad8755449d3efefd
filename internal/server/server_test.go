package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/auth"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/bus"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/handlers"
	"github.com/adred-codev/realtime/internal/limits"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/roomservice"
	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/store"
	"github.com/adred-codev/realtime/internal/voice"
)

type fixture struct {
	server *Server
	http   *httptest.Server
	wsURL  string
}

func newFixture(t *testing.T, config Config, connLimiter *limits.ConnectionRateLimiter) *fixture {
	t.Helper()
	clk := clock.New()
	logger := zerolog.Nop()

	reg := session.NewRegistry(session.Config{Clock: clk, Logger: logger})
	breakers := breaker.NewExecutor(breaker.Config{Clock: clk, Logger: logger})
	b := bus.NewLocal()
	hub := fanout.NewHub(fanout.Config{NodeID: "test", Registry: reg, Bus: b, Breakers: breakers, Logger: logger})
	require.NoError(t, hub.Start())

	authz := auth.NewStaticAuthorizer(nil)
	vm := voice.NewManager(voice.Config{
		Authorizer:  authz,
		RoomService: roomservice.NewStatic(roomservice.NewTokenMinter("key", "secret", time.Hour, clk)),
		Breakers:    breakers,
		Fanout:      hub,
		Clock:       clk,
		Logger:      logger,
	})
	reg.OnDeregister(vm.RemoveSession)

	exporter := monitoring.NewExporter()
	audit := monitoring.NewAuditLogger(logger, monitoring.INFO)
	d, err := handlers.NewDispatcher(handlers.Config{
		Registry:   reg,
		Hub:        hub,
		Voice:      vm,
		Store:      store.NewMemory(),
		Breakers:   breakers,
		Limiter:    limits.NewRateLimiter(limits.RateLimiterConfig{Rules: limits.DefaultRules, Clock: clk}),
		Authorizer: authz,
		Exporter:   exporter,
		Audit:      audit,
		Clock:      clk,
		Logger:     logger,
	})
	require.NoError(t, err)

	config.NodeID = "test"
	srv := New(config, Deps{
		Registry:      reg,
		Dispatcher:    d,
		Authenticator: auth.NewAuthenticator(nil, true),
		ConnLimiter:   connLimiter,
		Breakers:      breakers,
		Bus:           b,
		Hub:           hub,
		Voice:         vm,
		Exporter:      exporter,
		Audit:         audit,
		Logger:        logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
	})
	return &fixture{server: srv, http: ts, wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

// wsConn reads frames from the handshake buffer first, if any.
type wsConn struct {
	io.Reader
	io.Writer
	net.Conn
}

func (c wsConn) Read(p []byte) (int, error)  { return c.Reader.Read(p) }
func (c wsConn) Write(p []byte) (int, error) { return c.Writer.Write(p) }

func (f *fixture) dial(t *testing.T, userID string) wsConn {
	t.Helper()
	header := http.Header{}
	if userID != "" {
		header.Set(auth.HeaderUserID, userID)
	}
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header), Timeout: 2 * time.Second}
	conn, br, _, err := dialer.Dial(context.Background(), f.wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return wsConn{Reader: r, Writer: conn, Conn: conn}
}

func readFrame(t *testing.T, c wsConn) (fanout.Frame, error) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(c)
	if err != nil {
		return fanout.Frame{}, err
	}
	var f fanout.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f, nil
}

func TestConnect_RejectsMissingIdentity(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.dial(t, "")

	frame, err := readFrame(t, c)
	require.NoError(t, err)
	assert.Equal(t, "error", frame.Event)

	var body handlers.AckError
	require.NoError(t, json.Unmarshal(frame.Data, &body))
	assert.Equal(t, "AUTHENTICATION_FAILED", body.Code)

	_, err = readFrame(t, c)
	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed), "expected close frame, got %v", err)
	assert.Equal(t, ws.StatusPolicyViolation, closed.Code)
	assert.Equal(t, 0, f.server.registry.Count())
}

func TestConnect_WelcomeAndAck(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: 30 * time.Second}, nil)
	c := f.dial(t, "alice")

	frame, err := readFrame(t, c)
	require.NoError(t, err)
	require.Equal(t, "connected", frame.Event)
	var welcome map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &welcome))
	assert.Equal(t, "alice", welcome["userId"])
	assert.NotEmpty(t, welcome["sessionId"])
	assert.EqualValues(t, 30000, welcome["heartbeatIntervalMs"])
	assert.Equal(t, 1, f.server.registry.Count())

	require.NoError(t, wsutil.WriteClientMessage(c, ws.OpText, []byte(`{"event":"heartbeat","ackId":"h1","data":{}}`)))

	var ack handlers.Ack
	for {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, _, err := wsutil.ReadServerData(c)
		require.NoError(t, err)
		var probe map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &probe))
		if string(probe["event"]) == `"ack"` {
			require.NoError(t, json.Unmarshal(data, &ack))
			break
		}
	}
	assert.Equal(t, "h1", ack.AckID)
	assert.True(t, ack.Success)
}

func TestConnect_MalformedFrame(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.dial(t, "alice")
	_, err := readFrame(t, c)
	require.NoError(t, err)

	require.NoError(t, wsutil.WriteClientMessage(c, ws.OpText, []byte(`not json`)))
	frame, err := readFrame(t, c)
	require.NoError(t, err)
	assert.Equal(t, "error", frame.Event)
	var body handlers.AckError
	require.NoError(t, json.Unmarshal(frame.Data, &body))
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
}

func TestConnect_ClientCloseDeregisters(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.dial(t, "alice")
	_, err := readFrame(t, c)
	require.NoError(t, err)

	_ = c.Conn.Close()
	assert.Eventually(t, func() bool { return f.server.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.server.active.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAdmission_Capacity(t *testing.T) {
	f := newFixture(t, Config{MaxConnections: 1}, nil)
	c := f.dial(t, "alice")
	_, err := readFrame(t, c)
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdmission_RateLimited(t *testing.T) {
	limiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst: 1,
		IPRate:  0.001,
		Clock:   clock.NewMock(),
		Logger:  zerolog.Nop(),
	})
	f := newFixture(t, Config{}, limiter)

	first, err := http.Get(f.http.URL + "/ws")
	require.NoError(t, err)
	first.Body.Close()
	assert.NotEqual(t, http.StatusTooManyRequests, first.StatusCode)

	second, err := http.Get(f.http.URL + "/ws")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.dial(t, "alice")
	_, err := readFrame(t, c)
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "test", report.NodeID)
	assert.Equal(t, 1, report.Sessions.Active)
	require.NotNil(t, report.Bus)
	assert.Equal(t, "local", report.Bus.Driver)
	assert.True(t, report.Bus.Connected)
}

func TestShutdown_ClosesWithGoingAway(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: 50 * time.Millisecond}, nil)
	c := f.dial(t, "alice")
	_, err := readFrame(t, c)
	require.NoError(t, err)

	require.NoError(t, f.server.Shutdown(context.Background()))

	for {
		_, err = readFrame(t, c)
		if err != nil {
			break
		}
	}
	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed), "expected close frame, got %v", err)
	assert.Equal(t, ws.StatusGoingAway, closed.Code)
	assert.Equal(t, 0, f.server.registry.Count())

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.5:51000"
	assert.Equal(t, "10.0.0.5", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestCloseStatus(t *testing.T) {
	assert.Equal(t, ws.StatusPolicyViolation, closeStatus(session.ReasonKicked))
	assert.Equal(t, ws.StatusPolicyViolation, closeStatus(session.ReasonSlowClient))
	assert.Equal(t, ws.StatusGoingAway, closeStatus(session.ReasonShutdown))
	assert.Equal(t, ws.StatusNormalClosure, closeStatus(session.ReasonClientClosed))
}

func TestClient_SlowStrikes(t *testing.T) {
	server, peer := net.Pipe()
	defer server.Close()
	defer peer.Close()

	slow := make(chan struct{}, 1)
	c := newClient(server, "1.2.3.4", 1, time.Now(), func(*client) { slow <- struct{}{} })
	assert.True(t, c.Deliver([]byte("a")))
	assert.False(t, c.Deliver([]byte("b")))
	assert.False(t, c.Deliver([]byte("c")))
	assert.False(t, c.Deliver([]byte("d")))

	select {
	case <-slow:
	case <-time.After(time.Second):
		t.Fatal("slow callback not invoked")
	}

	c.Close(session.ReasonKicked)
	assert.False(t, c.Deliver([]byte("e")))
	assert.Equal(t, session.ReasonKicked, c.reason())
}
