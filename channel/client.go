package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/wire"
)

// callResult is what settles a pending Call: either a CallOk body, a
// CallErr/CallErrObj adapted into err, or a local cancellation.
type callResult struct {
	value wire.Value
	err   error
}

type pendingCall struct {
	resultCh chan callResult
}

type clientSub struct {
	out    chan wire.Value
	cancel context.CancelFunc
}

// ClientSubscription is the application-facing handle for one Subscribe
// request: Events delivers EventFire payloads in arrival order, and Close
// (or cancelling the ctx passed to Client.Listen) ends it and emits a wire
// Unsubscribe.
type ClientSubscription struct {
	id     int64
	cancel context.CancelFunc
	out    <-chan wire.Value
}

// Events returns the channel of delivered event payloads. It is closed once
// the subscription ends, whether by Close, ctx cancellation, or Dispose.
func (s *ClientSubscription) Events() <-chan wire.Value { return s.out }

// Close ends the subscription and emits a wire Unsubscribe frame.
func (s *ClientSubscription) Close() { s.cancel() }

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithClientLogger overrides the Client's Logger, which defaults to a no-op.
func WithClientLogger(l telemetry.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientTracer overrides the Client's Tracer, which defaults to a no-op.
func WithClientTracer(t telemetry.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// Client is the Channel Client (C4) half of one connection: it issues Call
// and Subscribe requests, correlates responses by id, and implements
// cooperative cancellation by settling locally on ctx.Done and emitting a
// wire Cancel/Unsubscribe asynchronously.
//
// Requests issued before the peer's Initialize response arrives are queued
// and flushed, in order, once it does; this is the client-side analogue of
// the server's deferred-delivery policy and keeps a caller from racing the
// handshake.
type Client struct {
	send  SendFunc
	codec *wire.Codec

	logger telemetry.Logger
	tracer telemetry.Tracer

	nextID atomic.Int64

	mu          sync.Mutex
	initialized bool
	disposed    bool
	queue       []func()
	pendingCalls map[int64]*pendingCall
	subs         map[int64]*clientSub
}

// NewClient constructs a Client that delivers encoded frames via send.
func NewClient(send SendFunc, opts ...ClientOption) *Client {
	c := &Client{
		send:         send,
		codec:        wire.NewCodec(),
		logger:       telemetry.NewNoopLogger(),
		tracer:       telemetry.NewNoopTracer(),
		pendingCalls: make(map[int64]*pendingCall),
		subs:         make(map[int64]*clientSub),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) allocID() int64 { return c.nextID.Add(1) }

// Dispatch handles one decoded incoming frame addressed to this Client half
// of the connection (a response frame, per IsResponseTag).
func (c *Client) Dispatch(ctx context.Context, frame wire.Frame) error {
	resp, err := parseResponseHeader(frame.Header)
	if err != nil {
		return err
	}
	switch resp.Tag {
	case TagInitialize:
		c.onInitialize()
	case TagCallOk:
		c.settleCall(resp.ID, frame.Body, nil)
	case TagCallErr:
		e, err := decodeCallErrBody(frame.Body)
		if err != nil {
			c.settleCall(resp.ID, wire.Value{}, FromGoError(err))
			return nil
		}
		c.settleCall(resp.ID, wire.Value{}, e)
	case TagCallErrObj:
		c.settleCall(resp.ID, wire.Value{}, &ObjError{Payload: frame.Body})
	case TagEventFire:
		c.deliverEvent(resp.ID, frame.Body)
	}
	return nil
}

func (c *Client) onInitialize() {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// Call issues a Call request against channel/method and blocks until the
// peer responds or ctx is done. On ctx cancellation the caller's error is
// ErrCancelled immediately, and a wire Cancel frame for this request's id is
// emitted in the background regardless of whether it can still matter.
func (c *Client) Call(ctx context.Context, channel, method string, arg wire.Value) (wire.Value, error) {
	spanCtx, span := c.tracer.Start(ctx, "channel.call", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("method", method),
	))
	defer span.End()

	id := c.allocID()
	resultCh := make(chan callResult, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return wire.Value{}, ErrDisposed
	}
	c.pendingCalls[id] = &pendingCall{resultCh: resultCh}
	initialized := c.initialized
	c.mu.Unlock()

	send := func() {
		if err := c.sendFrame(callHeader(id, channel, method), arg); err != nil {
			c.settleCall(id, wire.Value{}, err)
		}
	}
	if initialized {
		send()
	} else {
		c.mu.Lock()
		c.queue = append(c.queue, send)
		c.mu.Unlock()
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	case <-spanCtx.Done():
		c.settleCall(id, wire.Value{}, ErrCancelled)
		go c.sendFrameBestEffort(cancelHeader(id), wire.Absent())
		span.SetStatus(codes.Error, "cancelled")
		return wire.Value{}, ErrCancelled
	}
}

func (c *Client) settleCall(id int64, value wire.Value, err error) {
	c.mu.Lock()
	pc, ok := c.pendingCalls[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingCalls, id)
	c.mu.Unlock()
	select {
	case pc.resultCh <- callResult{value: value, err: err}:
	default:
	}
}

// Listen issues a Subscribe request against channel/event and returns a
// ClientSubscription delivering EventFire payloads. Cancelling ctx, or
// calling the returned subscription's Close, ends it and emits a wire
// Unsubscribe frame in the background.
func (c *Client) Listen(ctx context.Context, channel, event string, arg wire.Value) (*ClientSubscription, error) {
	id := c.allocID()
	out := make(chan wire.Value, 16)
	subCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		cancel()
		return nil, ErrDisposed
	}
	c.subs[id] = &clientSub{out: out, cancel: cancel}
	initialized := c.initialized
	c.mu.Unlock()

	send := func() {
		if err := c.sendFrame(subscribeHeader(id, channel, event), arg); err != nil {
			c.logger.Warn(ctx, "failed to send Subscribe", "channel", channel, "event", event, "id", id, "err", err.Error())
			c.closeSub(id)
		}
	}
	if initialized {
		send()
	} else {
		c.mu.Lock()
		c.queue = append(c.queue, send)
		c.mu.Unlock()
	}

	go func() {
		<-subCtx.Done()
		c.closeSub(id)
		c.sendFrameBestEffort(unsubscribeHeader(id), wire.Absent())
	}()

	return &ClientSubscription{id: id, cancel: cancel, out: out}, nil
}

// deliverEvent and closeSub both hold c.mu for the full duration of their
// channel operation (send vs. close), so that a racing Unsubscribe can never
// close sub.out while deliverEvent is sending to it.
func (c *Client) deliverEvent(id int64, body wire.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return
	}
	select {
	case sub.out <- body:
	default:
		c.logger.Warn(context.Background(), "dropped EventFire: subscriber buffer full", "id", id)
	}
}

func (c *Client) closeSub(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	close(sub.out)
}

func (c *Client) sendFrame(header, body wire.Value) error {
	data, err := c.codec.EncodeFrame(wire.Frame{Header: header, Body: body})
	if err != nil {
		return err
	}
	if err := c.send(data); err != nil {
		return &Error{Kind: KindTransport, Name: "TransportError", Message: err.Error(), Cause: err}
	}
	return nil
}

func (c *Client) sendFrameBestEffort(header, body wire.Value) {
	if err := c.sendFrame(header, body); err != nil {
		c.logger.Warn(context.Background(), "best-effort frame send failed", "err", err.Error())
	}
}

// Dispose settles every pending Call as ErrCancelled, ends every open
// subscription, and refuses further requests with ErrDisposed. Idempotent.
//
// subs is swapped out and every sub.out closed in the same critical section,
// matching the locking discipline deliverEvent and closeSub rely on: once a
// racing deliverEvent/closeSub acquires c.mu after this unlocks, it sees the
// new, empty subs map and finds nothing to act on, so it can never observe
// (let alone close) a channel this loop already closed.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	pending := c.pendingCalls
	subs := c.subs
	c.pendingCalls = make(map[int64]*pendingCall)
	c.subs = make(map[int64]*clientSub)
	for _, sub := range subs {
		close(sub.out)
	}
	c.mu.Unlock()

	for _, pc := range pending {
		select {
		case pc.resultCh <- callResult{err: ErrCancelled}:
		default:
		}
	}
	for _, sub := range subs {
		sub.cancel()
	}
}
