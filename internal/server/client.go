package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/realtime/internal/session"
)

// slowClientStrikes is how many consecutive full-buffer deliveries a client
// survives before it is disconnected.
const slowClientStrikes = 3

// client is one upgraded connection. It implements session.Conn: fanout
// enqueues frames through Deliver and never blocks.
type client struct {
	conn        net.Conn
	remoteIP    string
	connectedAt time.Time
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once

	mu          sync.Mutex
	sessionID   string
	closeReason string

	failures atomic.Int32
	slow     atomic.Bool

	onSlow func(c *client)
}

func newClient(conn net.Conn, remoteIP string, buffer int, now time.Time, onSlow func(*client)) *client {
	return &client{
		conn:        conn,
		remoteIP:    remoteIP,
		connectedAt: now,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		onSlow:      onSlow,
	}
}

func (c *client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *client) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		c.failures.Store(0)
		return true
	default:
		if c.failures.Add(1) >= slowClientStrikes && c.slow.CompareAndSwap(false, true) && c.onSlow != nil {
			go c.onSlow(c)
		}
		return false
	}
}

// Close asks the write pump to flush what is queued, send a close frame and
// drop the connection.
func (c *client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// closeStatus maps a disconnect reason to a websocket close code.
func closeStatus(reason string) ws.StatusCode {
	switch reason {
	case session.ReasonShutdown:
		return ws.StatusGoingAway
	case session.ReasonKicked, session.ReasonBanned, session.ReasonSlowClient:
		return ws.StatusPolicyViolation
	case session.ReasonHeartbeatTimeout:
		return ws.StatusGoingAway
	default:
		return ws.StatusNormalClosure
	}
}
