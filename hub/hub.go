// Package hub implements the Connection Hub (C6): it accepts peer
// connections, registers the hub's known channels on each one, and owns the
// resulting live connection set, firing add/remove signals that the Router
// (C7) uses to discover and retire targets.
package hub

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/conn"
	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/transport"
	"goa.design/chanmux/wire"
)

// Signal describes one connection-set change delivered by Hub.Subscribe.
type Signal struct {
	Added *conn.Endpoint // set on connection add, nil on remove
	Removed *conn.Endpoint // set on connection remove, nil on add
}

type signalSub struct {
	ch chan Signal
}

// Option configures a Hub at construction.
type Option func(*Hub)

// WithLogger overrides the Hub's Logger, which defaults to a no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithLocalContext sets the handshake Value this Hub presents to every peer
// it accepts. Defaults to wire.Absent.
func WithLocalContext(v wire.Value) Option {
	return func(h *Hub) { h.localContext = v }
}

// WithServerOptions appends options forwarded to every connection's
// channel.Server, e.g. channel.WithDispatchObserver for an audit trail.
func WithServerOptions(opts ...channel.ServerOption) Option {
	return func(h *Hub) { h.serverOpts = append(h.serverOpts, opts...) }
}

// WithMetrics overrides the Hub's Metrics recorder, which defaults to a
// no-op. The Hub records "chanmux.hub.connections" as a gauge on every
// accept and remove.
func WithMetrics(m telemetry.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub owns a set of named channel.Handlers shared by every connection it
// accepts, and the resulting set of live conn.Endpoints.
type Hub struct {
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	localContext wire.Value
	serverOpts   []channel.ServerOption

	mu       sync.RWMutex
	handlers map[string]channel.Handler
	conns    map[*conn.Endpoint]struct{}
	subs     map[*signalSub]struct{}
}

// New constructs an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		handlers: make(map[string]channel.Handler),
		conns:    make(map[*conn.Endpoint]struct{}),
		subs:     make(map[*signalSub]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterChannel makes h reachable, under name, on every connection
// currently in the hub's live set and on every connection accepted
// afterwards. Existing connections are registered concurrently via an
// errgroup, bounded by the number of live connections.
func (h *Hub) RegisterChannel(name string, handler channel.Handler) error {
	h.mu.Lock()
	h.handlers[name] = handler
	conns := make([]*conn.Endpoint, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.Server().RegisterChannel(name, handler)
			return nil
		})
	}
	return g.Wait()
}

// Accept performs the Connection Endpoint handshake over t, registers every
// currently known channel on the resulting connection, adds it to the live
// set, and fires an add Signal to every subscriber. The returned Endpoint is
// already removed from the live set and has fired a remove Signal by the
// time its read loop exits; callers do not need to call Remove themselves.
func (h *Hub) Accept(ctx context.Context, t transport.Transport) (*conn.Endpoint, error) {
	h.mu.RLock()
	channels := make(map[string]channel.Handler, len(h.handlers))
	for name, handler := range h.handlers {
		channels[name] = handler
	}
	h.mu.RUnlock()

	c, err := conn.Handshake(ctx, t, h.localContext, channels,
		conn.WithLogger(h.logger), conn.WithServerOptions(h.serverOpts...))
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.RecordGauge("chanmux.hub.connections", float64(count))
	h.broadcast(Signal{Added: c})

	go h.watch(c)
	return c, nil
}

// watch removes c from the live set and fires a remove Signal once its
// connection context is cancelled (Dispose, or the read loop exiting on its
// own after a transport error).
func (h *Hub) watch(c *conn.Endpoint) {
	<-c.Context().Done()
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	count := len(h.conns)
	h.mu.Unlock()
	if ok {
		h.metrics.RecordGauge("chanmux.hub.connections", float64(count))
		h.broadcast(Signal{Removed: c})
	}
}

// Connections returns a snapshot of the live connection set.
func (h *Hub) Connections() []*conn.Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn.Endpoint, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Subscribe registers for add/remove Signals. Unsubscribe (via the returned
// func) when done; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Signal, func()) {
	sub := &signalSub{ch: make(chan Signal, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

func (h *Hub) broadcast(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- sig:
		default:
			h.logger.Warn(context.Background(), "dropped hub signal: subscriber buffer full")
		}
	}
}

// Close disposes every live connection. It does not close transports that
// were never Accepted.
func (h *Hub) Close() {
	for _, c := range h.Connections() {
		c.Dispose()
	}
}
