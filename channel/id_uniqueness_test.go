package channel

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/chanmux/wire"
)

// TestIdUniquenessUnderConcurrentDispatch is a property test for the
// one-row-per-id invariant Server.dispatchRequest relies on: for any number
// of Call or Subscribe requests racing to allocate ids on the same Client and
// land in the same Server.active map, each one settles against (or receives
// events from) only its own handler invocation, never another request's.
func TestIdUniquenessUnderConcurrentDispatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent calls each settle against their own argument", prop.ForAll(
		func(n int) bool {
			server, client := newLinkedPair(t)
			server.RegisterChannel("echo", FuncHandler{
				CallFunc: func(_ context.Context, _ string, arg wire.Value) (wire.Value, error) {
					return arg, nil
				},
			})
			require.NoError(t, server.SendInitialize())

			var wg sync.WaitGroup
			var mismatches sync.Map
			for i := 0; i < n; i++ {
				wg.Add(1)
				i := i
				go func() {
					defer wg.Done()
					result, err := client.Call(context.Background(), "echo", "ping", wire.Int(int64(i)))
					got, ok := result.Int64()
					if err != nil || !ok || got != int64(i) {
						mismatches.Store(i, struct{}{})
					}
				}()
			}
			wg.Wait()

			clean := true
			mismatches.Range(func(any, any) bool { clean = false; return false })
			return clean
		},
		gen.IntRange(1, 64),
	))

	properties.Property("concurrent subscriptions each receive only their own event", prop.ForAll(
		func(n int) bool {
			server, client := newLinkedPair(t)
			server.RegisterChannel("ticks", FuncHandler{
				ListenFunc: func(_ context.Context, _ string, arg wire.Value) (EventProducer, error) {
					tag, _ := arg.Int64()
					p := NewChanProducer(1)
					p.Chan <- wire.Int(tag)
					close(p.Chan)
					return p, nil
				},
			})
			require.NoError(t, server.SendInitialize())

			var wg sync.WaitGroup
			var mismatches sync.Map
			for i := 0; i < n; i++ {
				wg.Add(1)
				i := i
				go func() {
					defer wg.Done()
					sub, err := client.Listen(context.Background(), "ticks", "tick", wire.Int(int64(i)))
					if err != nil {
						mismatches.Store(i, struct{}{})
						return
					}
					got, ok := (<-sub.Events()).Int64()
					if !ok || got != int64(i) {
						mismatches.Store(i, struct{}{})
					}
					sub.Close()
				}()
			}
			wg.Wait()

			clean := true
			mismatches.Range(func(any, any) bool { clean = false; return false })
			return clean
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
