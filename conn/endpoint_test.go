package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/transport"
	"goa.design/chanmux/wire"
)

func TestHandshakeExchangesPeerContext(t *testing.T) {
	pa, pb := transport.NewPipePair(8)

	aCtxVal := wire.MustStructured(map[string]string{"user": "alice"})
	bCtxVal := wire.MustStructured(map[string]string{"user": "bob"})

	var a, b *Endpoint
	var aErr, bErr error
	done := make(chan struct{})
	go func() {
		a, aErr = Handshake(context.Background(), pa, aCtxVal, nil)
		done <- struct{}{}
	}()
	go func() {
		b, bErr = Handshake(context.Background(), pb, bCtxVal, nil)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.NoError(t, aErr)
	require.NoError(t, bErr)

	var gotOnA map[string]string
	require.NoError(t, a.PeerContext().Unmarshal(&gotOnA))
	require.Equal(t, "bob", gotOnA["user"])

	var gotOnB map[string]string
	require.NoError(t, b.PeerContext().Unmarshal(&gotOnB))
	require.Equal(t, "alice", gotOnB["user"])

	a.Dispose()
	b.Dispose()
}

func TestEndpointRoutesCallAcrossConnection(t *testing.T) {
	pa, pb := transport.NewPipePair(8)

	channels := map[string]channel.Handler{
		"greeter": channel.FuncHandler{
			CallFunc: func(_ context.Context, _ string, arg wire.Value) (wire.Value, error) {
				name, _ := arg.Str()
				return wire.Text("hello " + name), nil
			},
		},
	}

	var a, b *Endpoint
	var aErr, bErr error
	done := make(chan struct{})
	go func() {
		a, aErr = Handshake(context.Background(), pa, wire.Absent(), channels)
		done <- struct{}{}
	}()
	go func() {
		b, bErr = Handshake(context.Background(), pb, wire.Absent(), nil)
		done <- struct{}{}
	}()
	<-done
	<-done
	require.NoError(t, aErr)
	require.NoError(t, bErr)
	defer a.Dispose()
	defer b.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := b.Client().Call(ctx, "greeter", "greet", wire.Text("world"))
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
}
