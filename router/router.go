// Package router implements the Router/Multicast layer (C7): selecting one
// or more live connections to carry a Call or Subscribe, by either a fixed
// target (StaticRouter) or a predicate evaluated against the hub's live
// connection set (FilterRouter).
package router

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"golang.org/x/sync/semaphore"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/conn"
	"goa.design/chanmux/hub"
	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/wire"
)

// ErrNoTarget is returned by FilterRouter.RouteCall when no live connection
// matches its Filter, and by StaticRouter if its hub signal subscription is
// closed before a matching connection is added.
var ErrNoTarget = errors.New("router: no matching connection")

// Filter is a synchronous predicate over a live connection, typically
// inspecting its PeerContext.
type Filter func(*conn.Endpoint) bool

// Router selects connections to carry Call and Subscribe requests.
// RouteCall is synchronous; RouteEvent returns a channel that may be fed by
// more than one underlying connection and a func to tear it down.
type Router interface {
	RouteCall(ctx context.Context, channelName, method string, arg wire.Value) (wire.Value, error)
	RouteEvent(ctx context.Context, channelName, event string, arg wire.Value) (<-chan wire.Value, func(), error)
}

// Option configures a Router at construction.
type Option func(*options)

type options struct {
	logger      telemetry.Logger
	concurrency int64
}

// WithLogger overrides the router's Logger, which defaults to a no-op.
func WithLogger(l telemetry.Logger) Option { return func(o *options) { o.logger = l } }

// WithConcurrency bounds how many Calls a FilterRouter may have in flight
// at once across all of its matching connections. Defaults to 8.
func WithConcurrency(n int64) Option { return func(o *options) { o.concurrency = n } }

func newOptions(opts []Option) *options {
	o := &options{logger: telemetry.NewNoopLogger(), concurrency: 8}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StaticRouter targets the first live connection matching its Filter,
// caching it until that connection drops. If none matches when RouteCall or
// RouteEvent is called, it waits on the hub's add signals — retrying the
// filter against each newly accepted connection — until one matches or ctx
// is done.
type StaticRouter struct {
	hub    *hub.Hub
	filter Filter
	opts   *options

	mu     sync.Mutex
	target *conn.Endpoint
}

// NewStaticRouter constructs a StaticRouter over h, selecting connections
// for which filter returns true.
func NewStaticRouter(h *hub.Hub, filter Filter, opts ...Option) *StaticRouter {
	return &StaticRouter{hub: h, filter: filter, opts: newOptions(opts)}
}

func (r *StaticRouter) resolve(ctx context.Context) (*conn.Endpoint, error) {
	r.mu.Lock()
	if r.target != nil {
		t := r.target
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	for _, c := range r.hub.Connections() {
		if r.filter(c) {
			return r.adopt(c), nil
		}
	}

	sigCh, unsub := r.hub.Subscribe(8)
	defer unsub()
	for {
		select {
		case sig, ok := <-sigCh:
			if !ok {
				return nil, ErrNoTarget
			}
			if sig.Added != nil && r.filter(sig.Added) {
				return r.adopt(sig.Added), nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *StaticRouter) adopt(c *conn.Endpoint) *conn.Endpoint {
	r.mu.Lock()
	r.target = c
	r.mu.Unlock()
	go func() {
		<-c.Context().Done()
		r.mu.Lock()
		if r.target == c {
			r.target = nil
		}
		r.mu.Unlock()
	}()
	return c
}

// RouteCall implements Router.
func (r *StaticRouter) RouteCall(ctx context.Context, channelName, method string, arg wire.Value) (wire.Value, error) {
	target, err := r.resolve(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	return target.Client().Call(ctx, channelName, method, arg)
}

// RouteEvent implements Router.
func (r *StaticRouter) RouteEvent(ctx context.Context, channelName, event string, arg wire.Value) (<-chan wire.Value, func(), error) {
	target, err := r.resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	sub, err := target.Client().Listen(ctx, channelName, event, arg)
	if err != nil {
		return nil, nil, err
	}
	return sub.Events(), sub.Close, nil
}

// FilterRouter selects among every live connection matching its Filter.
// RouteCall picks one matching connection at random per call, bounded by a
// semaphore shared across all of its in-flight calls; when none matches it
// returns ErrNoTarget at once and does not wait for a matching connection to
// be added. RouteEvent maintains
// a fan-in across every matching connection, adding and dropping sources as
// the hub's live set changes.
type FilterRouter struct {
	hub    *hub.Hub
	filter Filter
	opts   *options
	sem    *semaphore.Weighted
}

// NewFilterRouter constructs a FilterRouter over h, selecting connections
// for which filter returns true.
func NewFilterRouter(h *hub.Hub, filter Filter, opts ...Option) *FilterRouter {
	o := newOptions(opts)
	return &FilterRouter{hub: h, filter: filter, opts: o, sem: semaphore.NewWeighted(o.concurrency)}
}

func (r *FilterRouter) matching() []*conn.Endpoint {
	var out []*conn.Endpoint
	for _, c := range r.hub.Connections() {
		if r.filter(c) {
			out = append(out, c)
		}
	}
	return out
}

// RouteCall implements Router.
func (r *FilterRouter) RouteCall(ctx context.Context, channelName, method string, arg wire.Value) (wire.Value, error) {
	conns := r.matching()
	if len(conns) == 0 {
		return wire.Value{}, ErrNoTarget
	}
	target := conns[rand.Intn(len(conns))]

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return wire.Value{}, err
	}
	defer r.sem.Release(1)

	return target.Client().Call(ctx, channelName, method, arg)
}

// RouteEvent implements Router. The returned channel multiplexes
// EventFire payloads from every connection currently matching the filter;
// the returned func tears down every underlying subscription.
func (r *FilterRouter) RouteEvent(ctx context.Context, channelName, event string, arg wire.Value) (<-chan wire.Value, func(), error) {
	fanIn := newEventFanIn(r.opts.logger)
	sigCh, unsub := r.hub.Subscribe(16)
	ctx, cancel := context.WithCancel(ctx)

	for _, c := range r.matching() {
		fanIn.add(ctx, c, channelName, event, arg)
	}

	go func() {
		defer unsub()
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Added != nil && r.filter(sig.Added) {
					fanIn.add(ctx, sig.Added, channelName, event, arg)
				}
				if sig.Removed != nil {
					fanIn.remove(sig.Removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	closeFn := func() {
		cancel()
		fanIn.closeAll()
	}
	return fanIn.out, closeFn, nil
}

// eventFanIn multiplexes several ClientSubscriptions, one per connection,
// onto a single output channel, supporting dynamic add/remove of sources.
type eventFanIn struct {
	logger telemetry.Logger
	out    chan wire.Value

	mu   sync.Mutex
	subs map[*conn.Endpoint]*channel.ClientSubscription
}

func newEventFanIn(logger telemetry.Logger) *eventFanIn {
	return &eventFanIn{
		logger: logger,
		out:    make(chan wire.Value, 32),
		subs:   make(map[*conn.Endpoint]*channel.ClientSubscription),
	}
}

func (f *eventFanIn) add(ctx context.Context, c *conn.Endpoint, channelName, event string, arg wire.Value) {
	f.mu.Lock()
	if _, ok := f.subs[c]; ok {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	sub, err := c.Client().Listen(ctx, channelName, event, arg)
	if err != nil {
		f.logger.Warn(ctx, "router: fan-in Listen failed", "channel", channelName, "event", event, "err", err.Error())
		return
	}
	f.mu.Lock()
	f.subs[c] = sub
	f.mu.Unlock()

	go func() {
		for v := range sub.Events() {
			select {
			case f.out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *eventFanIn) remove(c *conn.Endpoint) {
	f.mu.Lock()
	sub, ok := f.subs[c]
	delete(f.subs, c)
	f.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (f *eventFanIn) closeAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
