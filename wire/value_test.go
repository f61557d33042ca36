package wire

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// TestCodecRoundTripProperty verifies that for every Value v in the
// supported kinds, decode(encode(v)) == v.
func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	codec := NewCodec()

	properties.Property("text values round-trip", prop.ForAll(
		func(s string) bool {
			return roundTrips(t, codec, Text(s))
		},
		gen.AnyString(),
	))

	properties.Property("opaque-bytes values round-trip", prop.ForAll(
		func(b []byte) bool {
			return roundTrips(t, codec, OpaqueBytes(b))
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("framed-bytes values round-trip", prop.ForAll(
		func(b []byte) bool {
			return roundTrips(t, codec, FramedBytes(b))
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("structured integers round-trip", prop.ForAll(
		func(n int64) bool {
			return roundTrips(t, codec, Int(n))
		},
		gen.Int64(),
	))

	properties.Property("sequences of text round-trip", prop.ForAll(
		func(ss []string) bool {
			seq := make([]Value, len(ss))
			for i, s := range ss {
				seq[i] = Text(s)
			}
			return roundTrips(t, codec, Sequence(seq...))
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func roundTrips(t *testing.T, codec *Codec, v Value) bool {
	t.Helper()
	encoded, err := codec.EncodeValue(v)
	if err != nil {
		return false
	}
	decoded, err := codec.DecodeValue(encoded)
	if err != nil {
		return false
	}
	return v.Equal(decoded)
}

func TestAbsentRoundTrips(t *testing.T) {
	codec := NewCodec()
	encoded, err := codec.EncodeValue(Absent())
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, encoded)
	decoded, err := codec.DecodeValue(encoded)
	require.NoError(t, err)
	require.True(t, decoded.IsAbsent())
}

func TestUnknownTagIsFramingError(t *testing.T) {
	codec := NewCodec()
	_, err := codec.DecodeValue([]byte{0xFF})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFraming)
}

func TestTruncatedLengthIsFramingError(t *testing.T) {
	codec := NewCodec()
	// text tag followed by a length prefix declaring more bytes than present.
	_, err := codec.DecodeValue([]byte{byte(KindText), 0x00, 0x00, 0x00, 0x05, 'h', 'i'})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFraming)
}

func TestOversizeFrameRejected(t *testing.T) {
	codec := NewCodec(WithMaxFrameSize(4))
	_, err := codec.EncodeValue(Text("too long for the ceiling"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFraming)
}
