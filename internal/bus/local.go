package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("bus closed")

// LocalNetwork connects in-process Local buses, standing in for a broker
// in single-node deployments and multi-node tests.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes []*Local
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{}
}

// Join attaches a new node to the network.
func (n *LocalNetwork) Join() *Local {
	l := &Local{
		network:  n,
		handlers: make(map[Topic][]Handler),
	}
	l.connected.Store(true)

	n.mu.Lock()
	n.nodes = append(n.nodes, l)
	n.mu.Unlock()
	return l
}

// Local delivers envelopes synchronously to every node on its network,
// including itself.
type Local struct {
	network   *LocalNetwork
	mu        sync.RWMutex
	handlers  map[Topic][]Handler
	connected atomic.Bool
	counters
}

// NewLocal returns a standalone bus with its own network.
func NewLocal() *Local {
	return NewLocalNetwork().Join()
}

func (l *Local) Publish(ctx context.Context, topic Topic, env Envelope) error {
	if !l.connected.Load() {
		l.errors.Add(1)
		return ErrClosed
	}
	l.published.Add(1)

	l.network.mu.RLock()
	nodes := append([]*Local(nil), l.network.nodes...)
	l.network.mu.RUnlock()

	for _, node := range nodes {
		node.deliver(ctx, topic, env)
	}
	return nil
}

func (l *Local) deliver(ctx context.Context, topic Topic, env Envelope) {
	if !l.connected.Load() {
		return
	}
	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers[topic]...)
	l.mu.RUnlock()

	for _, h := range handlers {
		l.received.Add(1)
		h(ctx, env)
	}
}

func (l *Local) Subscribe(topic Topic, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = append(l.handlers[topic], handler)
	return nil
}

func (l *Local) Connected() bool {
	return l.connected.Load()
}

func (l *Local) Stats() Stats {
	return l.stats()
}

func (l *Local) Driver() string {
	return "local"
}

// Close detaches the node; later publishes fail with ErrClosed.
func (l *Local) Close() error {
	l.connected.Store(false)
	return nil
}
