package channel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/wire"
)

// TestSubscriptionSharesOneWireSubscribe verifies the lazy-subscription
// invariant: two local listeners on the same Subscription cause exactly one
// wire Subscribe/Unsubscribe pair, with both listeners receiving every
// fired event.
func TestSubscriptionSharesOneWireSubscribe(t *testing.T) {
	server, client := newLinkedPair(t)

	var subscribeCount atomic.Int32
	producer := NewChanProducer(4)
	server.RegisterChannel("feed", FuncHandler{
		ListenFunc: func(context.Context, string, wire.Value) (EventProducer, error) {
			subscribeCount.Add(1)
			return producer, nil
		},
	})
	require.NoError(t, server.SendInitialize())

	sub := NewSubscription(client, "feed", "item", wire.Absent())

	id1, ch1, err := sub.AddListener(context.Background(), 4)
	require.NoError(t, err)
	id2, ch2, err := sub.AddListener(context.Background(), 4)
	require.NoError(t, err)

	producer.Chan <- wire.Text("hello")

	v1 := <-ch1
	v2 := <-ch2
	require.Equal(t, "hello", v1.Text)
	require.Equal(t, "hello", v2.Text)
	require.Equal(t, int32(1), subscribeCount.Load())

	sub.RemoveListener(id1)
	sub.RemoveListener(id2)

	// After the last listener is removed the underlying wire subscription
	// ends; adding a new listener issues a fresh wire Subscribe.
	time.Sleep(10 * time.Millisecond)
	_, ch3, err := sub.AddListener(context.Background(), 4)
	require.NoError(t, err)
	producer.Chan <- wire.Text("again")
	v3 := <-ch3
	require.Equal(t, "again", v3.Text)
	require.Equal(t, int32(2), subscribeCount.Load())
}
