package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/conn"
	"goa.design/chanmux/hub"
	"goa.design/chanmux/transport"
	"goa.design/chanmux/wire"
)

func connectPeer(t *testing.T, h *hub.Hub, region string) *conn.Endpoint {
	t.Helper()
	pa, pb := transport.NewPipePair(8)
	done := make(chan struct{})
	go func() {
		h.Accept(context.Background(), pa)
		done <- struct{}{}
	}()
	peer, err := conn.Handshake(context.Background(), pb, wire.MustStructured(map[string]string{"region": region}), map[string]channel.Handler{
		"echo": channel.FuncHandler{
			CallFunc: func(_ context.Context, _ string, arg wire.Value) (wire.Value, error) { return arg, nil },
		},
	})
	require.NoError(t, err)
	<-done
	return peer
}

func connectPeerWithTicks(t *testing.T, h *hub.Hub, region string) (*conn.Endpoint, *channel.ChanProducer) {
	t.Helper()
	pa, pb := transport.NewPipePair(8)
	done := make(chan struct{})
	go func() {
		h.Accept(context.Background(), pa)
		done <- struct{}{}
	}()
	producer := channel.NewChanProducer(8)
	peer, err := conn.Handshake(context.Background(), pb, wire.MustStructured(map[string]string{"region": region}), map[string]channel.Handler{
		"echo": channel.FuncHandler{
			CallFunc: func(_ context.Context, _ string, arg wire.Value) (wire.Value, error) { return arg, nil },
		},
		"events": channel.FuncHandler{
			ListenFunc: func(context.Context, string, wire.Value) (channel.EventProducer, error) {
				return producer, nil
			},
		},
	})
	require.NoError(t, err)
	<-done
	return peer, producer
}

func regionFilter(region string) Filter {
	return func(c *conn.Endpoint) bool {
		var ctxVal map[string]string
		if err := c.PeerContext().Unmarshal(&ctxVal); err != nil {
			return false
		}
		return ctxVal["region"] == region
	}
}

func TestStaticRouterRoutesToMatchingConnection(t *testing.T) {
	h := hub.New()
	connectPeer(t, h, "us")
	connectPeer(t, h, "eu")

	r := NewStaticRouter(h, regionFilter("eu"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := r.RouteCall(ctx, "echo", "ping", wire.Text("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", result.Text)
}

func TestStaticRouterWaitsForConnection(t *testing.T) {
	h := hub.New()
	r := NewStaticRouter(h, regionFilter("ap"))

	resultCh := make(chan wire.Value, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := r.RouteCall(ctx, "echo", "ping", wire.Text("later"))
		resultCh <- v
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	connectPeer(t, h, "ap")

	select {
	case err := <-errCh:
		require.NoError(t, err)
		require.Equal(t, "later", (<-resultCh).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("StaticRouter never resolved the late connection")
	}
}

func TestFilterRouterRoutesOnlyToMatching(t *testing.T) {
	h := hub.New()
	connectPeer(t, h, "us")
	connectPeer(t, h, "us")
	connectPeer(t, h, "eu")

	r := NewFilterRouter(h, regionFilter("us"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		result, err := r.RouteCall(ctx, "echo", "ping", wire.Text("hi"))
		require.NoError(t, err)
		require.Equal(t, "hi", result.Text)
	}
}

func TestFilterRouterNoMatchReturnsErrNoTarget(t *testing.T) {
	h := hub.New()
	connectPeer(t, h, "us")

	r := NewFilterRouter(h, regionFilter("eu"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.RouteCall(ctx, "echo", "ping", wire.Absent())
	require.ErrorIs(t, err, ErrNoTarget)
}

// TestFilterRouterRouteEventFansInMultipleConnections verifies that
// RouteEvent's fan-in delivers events published by every connection
// currently matching the filter, and none from a non-matching one.
func TestFilterRouterRouteEventFansInMultipleConnections(t *testing.T) {
	h := hub.New()
	_, p1 := connectPeerWithTicks(t, h, "us")
	_, p2 := connectPeerWithTicks(t, h, "us")
	_, pEU := connectPeerWithTicks(t, h, "eu")

	r := NewFilterRouter(h, regionFilter("us"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, closeFn, err := r.RouteEvent(ctx, "events", "tick", wire.Absent())
	require.NoError(t, err)
	defer closeFn()

	time.Sleep(20 * time.Millisecond) // let fan-in Listen calls settle on every matching connection

	p1.Chan <- wire.Text("from-1")
	p2.Chan <- wire.Text("from-2")
	pEU.Chan <- wire.Text("from-eu")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-events:
			seen[v.Text] = true
		case <-time.After(2 * time.Second):
			t.Fatal("fan-in did not deliver event in time")
		}
	}
	require.True(t, seen["from-1"])
	require.True(t, seen["from-2"])
	require.False(t, seen["from-eu"])

	select {
	case v := <-events:
		t.Fatalf("received unexpected event from non-matching connection: %v", v.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestFilterRouterRouteEventTracksHubSignals verifies that RouteEvent's
// fan-in folds in a connection accepted after it started (the sig.Added
// branch) and keeps delivering from the remaining connections once one of
// them is removed (the sig.Removed branch).
func TestFilterRouterRouteEventTracksHubSignals(t *testing.T) {
	h := hub.New()
	peer1, p1 := connectPeerWithTicks(t, h, "us")

	r := NewFilterRouter(h, regionFilter("us"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	events, closeFn, err := r.RouteEvent(ctx, "events", "tick", wire.Absent())
	require.NoError(t, err)
	defer closeFn()

	time.Sleep(20 * time.Millisecond)
	p1.Chan <- wire.Text("first")
	select {
	case v := <-events:
		require.Equal(t, "first", v.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("missing initial event")
	}

	_, p2 := connectPeerWithTicks(t, h, "us")
	time.Sleep(20 * time.Millisecond)
	p2.Chan <- wire.Text("second")
	select {
	case v := <-events:
		require.Equal(t, "second", v.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("fan-in did not pick up newly added connection")
	}

	peer1.Dispose()
	time.Sleep(20 * time.Millisecond)
	p2.Chan <- wire.Text("third")
	select {
	case v := <-events:
		require.Equal(t, "third", v.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("fan-in stopped delivering after an unrelated connection was removed")
	}
}
