// Package conn implements the Connection Endpoint (C5): the handshake and
// per-connection demultiplexing that pairs one Channel Server and one
// Channel Client over a single Transport.
package conn

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/transport"
	"goa.design/chanmux/wire"
)

type peerContextKey struct{}

// PeerContextValue extracts the handshake Value the remote side sent as its
// first message on this connection, if ctx derives from one produced by an
// Endpoint.
func PeerContextValue(ctx context.Context) (wire.Value, bool) {
	v, ok := ctx.Value(peerContextKey{}).(wire.Value)
	return v, ok
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint)

// WithLogger overrides the Endpoint's Logger, which defaults to a no-op. It
// is also passed through to the Endpoint's Server and Client.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithServerOptions appends options forwarded to channel.NewServer.
func WithServerOptions(opts ...channel.ServerOption) Option {
	return func(e *Endpoint) { e.serverOpts = append(e.serverOpts, opts...) }
}

// WithClientOptions appends options forwarded to channel.NewClient.
func WithClientOptions(opts ...channel.ClientOption) Option {
	return func(e *Endpoint) { e.clientOpts = append(e.clientOpts, opts...) }
}

// Endpoint owns one Transport and demultiplexes its incoming frames by
// header tag: request frames (Call/Cancel/Subscribe/Unsubscribe) go to its
// Server, response frames (Initialize/CallOk/CallErr/CallErrObj/EventFire)
// go to its Client. Construction performs the handshake: each side sends a
// bare Context Value — not wrapped in a request/response envelope — before
// either side emits Initialize.
type Endpoint struct {
	transport transport.Transport
	codec     *wire.Codec
	logger    telemetry.Logger

	server *channel.Server
	client *channel.Client

	serverOpts []channel.ServerOption
	clientOpts []channel.ClientOption

	ctx    context.Context
	cancel context.CancelFunc

	disposeOnce sync.Once
}

// Handshake exchanges localContext with the peer over t and constructs an
// Endpoint around the result. channels are registered on the Server before
// Initialize is sent, so that a peer calling immediately after the
// handshake never sees a spurious deferred-request delay for them.
//
// If localContext is wire.Absent (the application supplied none), Handshake
// generates a random UUID and sends that as a wire.Text instead, so that
// every connection still presents the peer with a distinguishable token.
func Handshake(ctx context.Context, t transport.Transport, localContext wire.Value, channels map[string]channel.Handler, opts ...Option) (*Endpoint, error) {
	codec := wire.NewCodec()

	if localContext.IsAbsent() {
		localContext = wire.Text(uuid.NewString())
	}

	localData, err := codec.EncodeValue(localContext)
	if err != nil {
		return nil, err
	}
	if err := t.Send(localData); err != nil {
		return nil, err
	}
	peerData, err := t.Recv(ctx)
	if err != nil {
		return nil, err
	}
	peerContext, err := codec.DecodeValue(peerData)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	connCtx = context.WithValue(connCtx, peerContextKey{}, peerContext)

	e := &Endpoint{
		transport: t,
		codec:     codec,
		logger:    telemetry.NewNoopLogger(),
		ctx:       connCtx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	serverOpts := append([]channel.ServerOption{channel.WithLogger(e.logger)}, e.serverOpts...)
	clientOpts := append([]channel.ClientOption{channel.WithClientLogger(e.logger)}, e.clientOpts...)
	e.server = channel.NewServer(e.sendRaw, serverOpts...)
	e.client = channel.NewClient(e.sendRaw, clientOpts...)

	for name, h := range channels {
		e.server.RegisterChannel(name, h)
	}
	if err := e.server.SendInitialize(); err != nil {
		e.Dispose()
		return nil, err
	}

	go e.readLoop()
	return e, nil
}

func (e *Endpoint) sendRaw(data []byte) error { return e.transport.Send(data) }

func (e *Endpoint) readLoop() {
	for {
		data, err := e.transport.Recv(e.ctx)
		if err != nil {
			e.Dispose()
			return
		}
		frame, err := e.codec.DecodeFrame(data)
		if err != nil {
			e.logger.Error(e.ctx, "framing error, disposing connection", "err", err.Error())
			e.Dispose()
			return
		}
		tag, ok := channel.HeaderTag(frame.Header)
		if !ok {
			e.logger.Warn(e.ctx, "dropping frame with unreadable header")
			continue
		}
		switch {
		case channel.IsRequestTag(tag):
			if err := e.server.Dispatch(e.ctx, frame); err != nil {
				e.logger.Error(e.ctx, "request dispatch failed, disposing connection", "err", err.Error())
				e.Dispose()
				return
			}
		case channel.IsResponseTag(tag):
			if err := e.client.Dispatch(e.ctx, frame); err != nil {
				e.logger.Error(e.ctx, "response dispatch failed, disposing connection", "err", err.Error())
				e.Dispose()
				return
			}
		default:
			e.logger.Warn(e.ctx, "dropping frame with unknown tag", "tag", tag)
		}
	}
}

// Server returns the Channel Server half of this connection, for
// registering channels after construction.
func (e *Endpoint) Server() *channel.Server { return e.server }

// Client returns the Channel Client half of this connection, for issuing
// Call/Listen requests to the peer.
func (e *Endpoint) Client() *channel.Client { return e.client }

// PeerContext returns the handshake Value the remote side sent.
func (e *Endpoint) PeerContext() wire.Value {
	v, _ := PeerContextValue(e.ctx)
	return v
}

// Context returns the connection-scoped context passed to every Dispatch
// call; it carries the peer's handshake Value and is cancelled by Dispose.
func (e *Endpoint) Context() context.Context { return e.ctx }

// Dispose tears down both halves and closes the underlying Transport.
// Idempotent and safe to call from readLoop or the owner.
func (e *Endpoint) Dispose() {
	e.disposeOnce.Do(func() {
		e.cancel()
		e.server.Dispose()
		e.client.Dispose()
		_ = e.transport.Close()
	})
}
