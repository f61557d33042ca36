package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	err := &Error{Kind: KindCancelled, Name: "Cancelled", Message: "cancelled while flushing"}
	require.ErrorIs(t, err, ErrCancelled)
	require.NotErrorIs(t, err, ErrDisposed)
}

func TestErrorUnwrapReachesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := FromGoError(cause)
	require.ErrorIs(t, err, cause)
}

func TestFromGoErrorPassesThroughChanmuxError(t *testing.T) {
	original := NewHandlerError("Weird", "weird thing happened", []string{"frame 1"})
	require.Same(t, original, FromGoError(original))
}

func TestCallErrBodyRoundTrip(t *testing.T) {
	original := NewHandlerError("Error", "something broke", []string{"frame 1", "frame 2"})
	body, err := encodeCallErrBody(original)
	require.NoError(t, err)

	decoded, err := decodeCallErrBody(body)
	require.NoError(t, err)
	require.Equal(t, original.Name, decoded.Name)
	require.Equal(t, original.Message, decoded.Message)
	require.Equal(t, original.Stack, decoded.Stack)
	require.Equal(t, KindHandlerError, decoded.Kind)
}

func TestCallErrBodyClassifiesUnknownChannel(t *testing.T) {
	body, err := encodeCallErrBody(newUnknownChannelError("widgets"))
	require.NoError(t, err)

	decoded, err := decodeCallErrBody(body)
	require.NoError(t, err)
	require.Equal(t, KindUnknownChannel, decoded.Kind)
}
