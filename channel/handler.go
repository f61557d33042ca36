package channel

import (
	"context"

	"goa.design/chanmux/wire"
)

// Handler is a named group of commands and events hosted by a Channel
// Server, reachable by Call/Listen requests arriving over the wire. Context
// is the peer-supplied handshake token.
type Handler interface {
	// Call invokes method with arg and the connection's context. ctx is
	// cancelled when the caller sends Cancel for this request's id, or when
	// the server is disposed; handlers are not required to observe it, but
	// should when the work is cancellable.
	Call(ctx context.Context, method string, arg wire.Value) (wire.Value, error)
	// Listen opens event as a lazy sequence of Values. ctx is cancelled when
	// the caller sends Unsubscribe, or when the server is disposed.
	// Implementations should stop producing once ctx is done.
	Listen(ctx context.Context, event string, arg wire.Value) (EventProducer, error)
}

// EventProducer is the server-side half of an event subscription: a
// once-started, push-only source of Values terminated by ctx cancellation or
// the producer's own decision to stop (closing Events).
type EventProducer interface {
	// Events delivers produced values in production order. The channel is
	// closed when the producer has no more values to emit; the server stops
	// forwarding EventFire frames once it observes the close.
	Events() <-chan wire.Value
}

// FuncHandler adapts two functions into a Handler, for application code
// that wants to register a channel without defining a named type.
type FuncHandler struct {
	CallFunc   func(ctx context.Context, method string, arg wire.Value) (wire.Value, error)
	ListenFunc func(ctx context.Context, event string, arg wire.Value) (EventProducer, error)
}

// Call delegates to CallFunc, or returns an error if method invocation is
// not supported by this handler.
func (h FuncHandler) Call(ctx context.Context, method string, arg wire.Value) (wire.Value, error) {
	if h.CallFunc == nil {
		return wire.Value{}, NewHandlerError("Error", "handler does not support calls", nil)
	}
	return h.CallFunc(ctx, method, arg)
}

// Listen delegates to ListenFunc, or returns an error if event subscription
// is not supported by this handler.
func (h FuncHandler) Listen(ctx context.Context, event string, arg wire.Value) (EventProducer, error) {
	if h.ListenFunc == nil {
		return nil, NewHandlerError("Error", "handler does not support events", nil)
	}
	return h.ListenFunc(ctx, event, arg)
}

// ChanProducer is the usual EventProducer implementation: a handler simply
// writes to Chan and closes it when done.
type ChanProducer struct {
	Chan chan wire.Value
}

// NewChanProducer allocates a ChanProducer with the given buffer size.
func NewChanProducer(buffer int) *ChanProducer {
	return &ChanProducer{Chan: make(chan wire.Value, buffer)}
}

// Events implements EventProducer.
func (p *ChanProducer) Events() <-chan wire.Value { return p.Chan }
