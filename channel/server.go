package channel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/wire"
)

// DefaultTimeoutBudget is how long a Call or Subscribe for an unregistered
// channel is held before it is abandoned, absent WithTimeoutBudget.
const DefaultTimeoutBudget = 1000 * time.Millisecond

// DispatchRecord describes one completed Call or the opening of one
// Subscribe, for observers that want to persist or count dispatch outcomes
// (e.g. an audit trail) without participating in the dispatch itself.
type DispatchRecord struct {
	ID       int64
	Channel  string
	Method   string
	Kind     string // "call" or "subscribe"
	Outcome  string // "ok", "err", "errobj", "cancelled"
	Duration time.Duration
}

// DispatchObserver is notified after each Call settles and after each
// Subscribe is accepted or rejected. Observed must not block the dispatch
// goroutine for long; slow observers should queue internally.
type DispatchObserver interface {
	Observed(ctx context.Context, rec DispatchRecord)
}

// activeRow tracks one in-flight Call or open Subscribe so that a matching
// Cancel/Unsubscribe can reach it.
type activeRow struct {
	cancel  context.CancelFunc
	kind    string
	channel string
}

// deferredRow holds a Call or Subscribe received for a channel that has not
// been registered yet, per the deferred-delivery policy: held until
// RegisterChannel flushes it or its timer fires.
type deferredRow struct {
	ctx   context.Context
	req   request
	body  wire.Value
	timer *time.Timer
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithTimeoutBudget overrides DefaultTimeoutBudget.
func WithTimeoutBudget(d time.Duration) ServerOption {
	return func(s *Server) { s.timeoutBudget = d }
}

// WithLogger overrides the Server's Logger, which defaults to a no-op.
func WithLogger(l telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithTracer overrides the Server's Tracer, which defaults to a no-op.
func WithTracer(t telemetry.Tracer) ServerOption {
	return func(s *Server) { s.tracer = t }
}

// WithDispatchObserver attaches an observer notified of Call/Subscribe
// outcomes. There is no default.
func WithDispatchObserver(o DispatchObserver) ServerOption {
	return func(s *Server) { s.observer = o }
}

// WithMetrics overrides the Server's Metrics recorder, which defaults to a
// no-op. The Server records "chanmux.server.active_requests" as a gauge,
// tagged by channel, each time an active Call or Subscribe starts or ends.
func WithMetrics(m telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server is the Channel Server (C3) half of one connection: it hosts a set
// of named Handlers and dispatches incoming Call/Cancel/Subscribe/
// Unsubscribe frames to them, emitting CallOk/CallErr/CallErrObj/EventFire
// frames in response via send.
//
// A Server never blocks its Dispatch caller on a Call handler's work or on
// event forwarding: each Call, and each Subscribe's forwarding loop, runs in
// its own goroutine, so frames arriving while a handler is busy are
// dispatched immediately in turn. A handler's Listen itself is invoked on
// the Dispatch caller's goroutine.
type Server struct {
	send SendFunc
	codec *wire.Codec

	timeoutBudget time.Duration
	logger        telemetry.Logger
	tracer        telemetry.Tracer
	metrics       telemetry.Metrics
	observer      DispatchObserver

	mu         sync.Mutex
	disposed   bool
	channels   map[string]Handler
	active     map[int64]*activeRow
	pending    map[string][]*deferredRow
	activeByCh map[string]int
}

// NewServer constructs a Server that delivers encoded frames via send. It
// does not emit the Initialize response; SendInitialize does that (see
// conn.Endpoint).
func NewServer(send SendFunc, opts ...ServerOption) *Server {
	s := &Server{
		send:          send,
		codec:         wire.NewCodec(),
		timeoutBudget: DefaultTimeoutBudget,
		logger:        telemetry.NewNoopLogger(),
		tracer:        telemetry.NewNoopTracer(),
		metrics:       telemetry.NewNoopMetrics(),
		channels:      make(map[string]Handler),
		active:        make(map[int64]*activeRow),
		pending:       make(map[string][]*deferredRow),
		activeByCh:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendInitialize emits the Initialize response frame. Callers send this
// exactly once, immediately after the handshake Context value has been
// exchanged (conn.Endpoint does this automatically).
func (s *Server) SendInitialize() error {
	return s.sendFrame(initializeHeader(), wire.Absent())
}

// RegisterChannel makes h reachable under name for future and already-
// pending Call/Subscribe requests. If requests for name arrived before this
// call and are still within their timeout budget, they are flushed
// asynchronously once registration completes, so that a caller registering
// several channels back to back does not race its own flush.
func (s *Server) RegisterChannel(name string, h Handler) {
	s.mu.Lock()
	s.channels[name] = h
	s.mu.Unlock()
	go s.flushPending(name)
}

// UnregisterChannel removes name, leaving any in-flight Call/Subscribe
// against it running to completion but refusing new requests for it (which
// re-enter the deferred-delivery path).
func (s *Server) UnregisterChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

func (s *Server) flushPending(name string) {
	s.mu.Lock()
	rows := s.pending[name]
	delete(s.pending, name)
	s.mu.Unlock()
	for _, row := range rows {
		row.timer.Stop()
		s.dispatchRequest(row.ctx, row.req, row.body)
	}
}

// Dispatch handles one decoded incoming frame addressed to this Server half
// of the connection (a request frame, per IsRequestTag). ctx is the
// connection's handshake-derived context; each Call/Subscribe handler
// invocation derives a child of it.
func (s *Server) Dispatch(ctx context.Context, frame wire.Frame) error {
	req, err := parseRequestHeader(frame.Header)
	if err != nil {
		return err
	}
	switch req.Tag {
	case TagCall, TagSubscribe:
		s.dispatchRequest(ctx, req, frame.Body)
	case TagCancel, TagUnsubscribe:
		s.cancelActive(req.ID)
	}
	return nil
}

func (s *Server) dispatchRequest(ctx context.Context, req request, body wire.Value) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	handler, ok := s.channels[req.Channel]
	if !ok {
		timer := time.AfterFunc(s.timeoutBudget, func() { s.onDeferredTimeout(req) })
		s.pending[req.Channel] = append(s.pending[req.Channel], &deferredRow{ctx: ctx, req: req, body: body, timer: timer})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch req.Tag {
	case TagCall:
		s.dispatchCall(ctx, handler, req, body)
	case TagSubscribe:
		s.dispatchSubscribe(ctx, handler, req, body)
	}
}

func (s *Server) onDeferredTimeout(req request) {
	s.mu.Lock()
	rows := s.pending[req.Channel]
	idx := -1
	for i, row := range rows {
		if row.req.ID == req.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	rows = append(rows[:idx], rows[idx+1:]...)
	if len(rows) == 0 {
		delete(s.pending, req.Channel)
	} else {
		s.pending[req.Channel] = rows
	}
	s.mu.Unlock()

	s.logger.Warn(context.Background(), "deferred request timed out", "channel", req.Channel, "id", req.ID, "tag", req.Tag)
	if req.Tag == TagCall {
		s.sendCallErr(req.ID, newUnknownChannelError(req.Channel))
	}
	// Subscribe simply expires: no wire frame is sent for it.
}

// addActive registers id as active under channel and records the updated
// per-channel active-request gauge. Caller must not hold s.mu.
func (s *Server) addActive(id int64, channel string, row *activeRow) {
	s.mu.Lock()
	s.active[id] = row
	s.activeByCh[channel]++
	count := s.activeByCh[channel]
	s.mu.Unlock()
	s.metrics.RecordGauge("chanmux.server.active_requests", float64(count), "channel", channel)
}

// removeActive drops id from the active set and records the updated
// per-channel active-request gauge. Caller must not hold s.mu.
func (s *Server) removeActive(id int64, channel string) {
	s.mu.Lock()
	delete(s.active, id)
	s.activeByCh[channel]--
	count := s.activeByCh[channel]
	if count <= 0 {
		delete(s.activeByCh, channel)
	}
	s.mu.Unlock()
	s.metrics.RecordGauge("chanmux.server.active_requests", float64(count), "channel", channel)
}

func (s *Server) dispatchCall(ctx context.Context, handler Handler, req request, body wire.Value) {
	callCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.mu.Unlock()
	s.addActive(req.ID, req.Channel, &activeRow{cancel: cancel, kind: "call", channel: req.Channel})

	spanCtx, span := s.tracer.Start(callCtx, "channel.call", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("method", req.Method),
		attribute.Int64("id", req.ID),
	))

	go func() {
		start := time.Now()
		defer func() {
			s.removeActive(req.ID, req.Channel)
			cancel()
		}()

		result, err := handler.Call(spanCtx, req.Method, body)
		outcome := "ok"
		if err != nil {
			outcome = s.sendCallErrOrObj(req.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if sendErr := s.sendFrame(callOkHeader(req.ID), result); sendErr != nil {
			s.logger.Warn(spanCtx, "failed to send CallOk", "channel", req.Channel, "id", req.ID, "err", sendErr.Error())
		}
		if spanCtx.Err() != nil {
			outcome = "cancelled"
		}
		span.End()

		if s.observer != nil {
			s.observer.Observed(spanCtx, DispatchRecord{
				ID: req.ID, Channel: req.Channel, Method: req.Method,
				Kind: "call", Outcome: outcome, Duration: time.Since(start),
			})
		}
	}()
}

func (s *Server) dispatchSubscribe(ctx context.Context, handler Handler, req request, body wire.Value) {
	subCtx, cancel := context.WithCancel(ctx)
	spanCtx, span := s.tracer.Start(subCtx, "channel.subscribe", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("event", req.Method),
		attribute.Int64("id", req.ID),
	))

	producer, err := handler.Listen(spanCtx, req.Method, body)
	if err != nil {
		outcome := s.sendCallErrOrObj(req.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		if s.observer != nil {
			s.observer.Observed(spanCtx, DispatchRecord{ID: req.ID, Channel: req.Channel, Method: req.Method, Kind: "subscribe", Outcome: outcome})
		}
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		span.End()
		cancel()
		return
	}
	s.mu.Unlock()
	s.addActive(req.ID, req.Channel, &activeRow{cancel: cancel, kind: "subscribe", channel: req.Channel})

	if s.observer != nil {
		s.observer.Observed(spanCtx, DispatchRecord{ID: req.ID, Channel: req.Channel, Method: req.Method, Kind: "subscribe", Outcome: "ok"})
	}

	go func() {
		defer func() {
			s.removeActive(req.ID, req.Channel)
			span.End()
			cancel()
		}()
		for {
			select {
			case <-subCtx.Done():
				return
			case v, ok := <-producer.Events():
				if !ok {
					return
				}
				if err := s.sendFrame(eventFireHeader(req.ID), v); err != nil {
					s.logger.Warn(spanCtx, "failed to send EventFire", "channel", req.Channel, "id", req.ID, "err", err.Error())
					return
				}
			}
		}
	}()
}

// cancelActive settles an active Call/Subscribe, or drops a still-deferred
// row, matching id. Per the cooperative-cancellation invariant, an id that
// matches neither is silently ignored.
func (s *Server) cancelActive(id int64) {
	s.mu.Lock()
	if row, ok := s.active[id]; ok {
		delete(s.active, id)
		s.mu.Unlock()
		row.cancel()
		return
	}
	for ch, rows := range s.pending {
		for i, row := range rows {
			if row.req.ID != id {
				continue
			}
			row.timer.Stop()
			rows = append(rows[:i], rows[i+1:]...)
			if len(rows) == 0 {
				delete(s.pending, ch)
			} else {
				s.pending[ch] = rows
			}
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
}

func (s *Server) sendCallErr(id int64, e *Error) {
	body, err := encodeCallErrBody(e)
	if err != nil {
		s.logger.Error(context.Background(), "failed to encode CallErr body", "err", err.Error())
		return
	}
	if err := s.sendFrame(callErrHeader(id), body); err != nil {
		s.logger.Warn(context.Background(), "failed to send CallErr", "id", id, "err", err.Error())
	}
}

// sendCallErrOrObj sends either CallErrObj (for an *ObjError payload) or
// CallErr (for anything else, adapted via FromGoError), returning the
// outcome label used in DispatchRecord.
func (s *Server) sendCallErrOrObj(id int64, err error) string {
	if objErr, ok := err.(*ObjError); ok {
		if sendErr := s.sendFrame(callErrObjHeader(id), objErr.Payload); sendErr != nil {
			s.logger.Warn(context.Background(), "failed to send CallErrObj", "id", id, "err", sendErr.Error())
		}
		return "errobj"
	}
	s.sendCallErr(id, FromGoError(err))
	return "err"
}

func (s *Server) sendFrame(header, body wire.Value) error {
	data, err := s.codec.EncodeFrame(wire.Frame{Header: header, Body: body})
	if err != nil {
		return err
	}
	if err := s.send(data); err != nil {
		return &Error{Kind: KindTransport, Name: "TransportError", Message: err.Error(), Cause: err}
	}
	return nil
}

// Dispose cancels every active Call/Subscribe, drops every deferred request
// without a wire response, and refuses further dispatch. Idempotent.
func (s *Server) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	active := s.active
	pending := s.pending
	s.active = make(map[int64]*activeRow)
	s.pending = make(map[string][]*deferredRow)
	s.mu.Unlock()

	for _, row := range active {
		row.cancel()
	}
	for _, rows := range pending {
		for _, row := range rows {
			row.timer.Stop()
		}
	}
}
