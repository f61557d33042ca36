package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipePair(4)
	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))

	ctx := context.Background()
	first, err := b.Recv(ctx)
	require.NoError(t, err)
	second, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "one", string(first))
	require.Equal(t, "two", string(second))
}

func TestPipeCloseUnblocksRecv(t *testing.T) {
	a, b := NewPipePair(1)
	_ = a

	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestPipeSendAfterCloseFails(t *testing.T) {
	a, b := NewPipePair(1)
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
	_ = b
}
