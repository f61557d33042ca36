package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/conn"
	"goa.design/chanmux/transport"
	"goa.design/chanmux/wire"
)

func TestHubAcceptRegistersKnownChannels(t *testing.T) {
	h := New()
	require.NoError(t, h.RegisterChannel("echo", channel.FuncHandler{
		CallFunc: func(_ context.Context, _ string, arg wire.Value) (wire.Value, error) { return arg, nil },
	}))

	pa, pb := transport.NewPipePair(8)

	var hubSide *conn.Endpoint
	var hubErr error
	done := make(chan struct{})
	go func() {
		hubSide, hubErr = h.Accept(context.Background(), pa)
		done <- struct{}{}
	}()

	peer, err := conn.Handshake(context.Background(), pb, wire.Absent(), nil)
	require.NoError(t, err)
	<-done
	require.NoError(t, hubErr)
	defer hubSide.Dispose()
	defer peer.Dispose()

	require.Len(t, h.Connections(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := peer.Client().Call(ctx, "echo", "ping", wire.Text("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", result.Text)
}

func TestHubFiresAddAndRemoveSignals(t *testing.T) {
	h := New()
	sigCh, unsub := h.Subscribe(4)
	defer unsub()

	pa, pb := transport.NewPipePair(8)
	var hubSide *conn.Endpoint
	done := make(chan struct{})
	go func() {
		hubSide, _ = h.Accept(context.Background(), pa)
		done <- struct{}{}
	}()
	peer, err := conn.Handshake(context.Background(), pb, wire.Absent(), nil)
	require.NoError(t, err)
	<-done

	select {
	case sig := <-sigCh:
		require.NotNil(t, sig.Added)
	case <-time.After(time.Second):
		t.Fatal("no add signal")
	}

	peer.Dispose()
	hubSide.Dispose()

	select {
	case sig := <-sigCh:
		require.NotNil(t, sig.Removed)
	case <-time.After(time.Second):
		t.Fatal("no remove signal")
	}
}

func TestHubRegisterChannelReachesExistingConnections(t *testing.T) {
	h := New()
	pa, pb := transport.NewPipePair(8)

	var hubSide *conn.Endpoint
	done := make(chan struct{})
	go func() {
		hubSide, _ = h.Accept(context.Background(), pa)
		done <- struct{}{}
	}()
	peer, err := conn.Handshake(context.Background(), pb, wire.Absent(), nil)
	require.NoError(t, err)
	<-done
	defer hubSide.Dispose()
	defer peer.Dispose()

	require.NoError(t, h.RegisterChannel("late", channel.FuncHandler{
		CallFunc: func(context.Context, string, wire.Value) (wire.Value, error) { return wire.Text("ok"), nil },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := peer.Client().Call(ctx, "late", "ping", wire.Absent())
	require.NoError(t, err)
	require.Equal(t, "ok", result.Text)
}
