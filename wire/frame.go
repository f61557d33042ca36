package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// defaultMaxFrameSize bounds the accepted size of any single encoded Value
// (and therefore of header/body pairs) absent an explicit Codec option. 64
// MiB comfortably covers RPC argument/result payloads without letting a
// malformed length field walk off into an out-of-memory read.
const defaultMaxFrameSize = 64 << 20

// ErrFraming is the sentinel wrapped by every FramingError, so callers can
// classify decode failures with errors.Is(err, wire.ErrFraming) regardless
// of the specific reason.
var ErrFraming = errors.New("wire: framing error")

// FramingError reports a malformed frame: an unknown tag, a truncated
// length-prefixed payload, or a payload exceeding the codec's configured
// ceiling. FramingError is fatal to the endpoint that
// observes it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wire: framing error: " + e.Reason }

// Unwrap allows errors.Is(err, ErrFraming) to match.
func (e *FramingError) Unwrap() error { return ErrFraming }

func framingErrorf(format string, args ...any) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// Frame is one (header, body) pair. The header is
// conventionally a Sequence of small structured integers and text entries;
// the body is an arbitrary Value.
type Frame struct {
	Header Value
	Body   Value
}

// Codec encodes and decodes Values and Frames according to the tagged-union
// rules. The zero Codec is not usable; construct one with
// NewCodec.
type Codec struct {
	maxFrameSize uint32
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxFrameSize overrides the default per-Value size ceiling. Encoding or
// decoding a Value whose declared length exceeds n fails with a
// *FramingError.
func WithMaxFrameSize(n uint32) Option {
	return func(c *Codec) { c.maxFrameSize = n }
}

// NewCodec constructs a Codec with defaultMaxFrameSize unless overridden by
// opts.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{maxFrameSize: defaultMaxFrameSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncodeFrame serializes f as header-then-body, concatenated into a single
// byte slice ready to hand to a Transport's Send.
func (c *Codec) EncodeFrame(f Frame) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf, err := c.appendValue(buf, f.Header)
	if err != nil {
		return nil, err
	}
	buf, err = c.appendValue(buf, f.Body)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeFrame parses a header Value followed by a body Value from data,
// which must be exactly one frame as delivered by a Transport's Recv.
func (c *Codec) DecodeFrame(data []byte) (Frame, error) {
	header, rest, err := c.readValue(data)
	if err != nil {
		return Frame{}, err
	}
	body, rest, err := c.readValue(rest)
	if err != nil {
		return Frame{}, err
	}
	if len(rest) != 0 {
		return Frame{}, framingErrorf("%d trailing bytes after body", len(rest))
	}
	return Frame{Header: header, Body: body}, nil
}

// EncodeValue serializes a single Value. Exposed for callers (such as the
// Connection Endpoint handshake) that send a bare Value with no enclosing
// Frame.
func (c *Codec) EncodeValue(v Value) ([]byte, error) {
	return c.appendValue(nil, v)
}

// DecodeValue parses a single Value from data, which must contain exactly
// one encoded Value and nothing else.
func (c *Codec) DecodeValue(data []byte) (Value, error) {
	v, rest, err := c.readValue(data)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, framingErrorf("%d trailing bytes after value", len(rest))
	}
	return v, nil
}

func (c *Codec) appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindAbsent:
		return append(buf, byte(KindAbsent)), nil
	case KindText:
		return appendLengthPrefixed(buf, byte(KindText), []byte(v.Text), c.maxFrameSize)
	case KindOpaqueBytes:
		return appendLengthPrefixed(buf, byte(KindOpaqueBytes), v.Bytes, c.maxFrameSize)
	case KindFramedBytes:
		return appendLengthPrefixed(buf, byte(KindFramedBytes), v.Bytes, c.maxFrameSize)
	case KindStructured:
		return appendLengthPrefixed(buf, byte(KindStructured), []byte(v.Text), c.maxFrameSize)
	case KindSequence:
		if uint64(len(v.Seq)) > uint64(c.maxFrameSize) {
			return nil, framingErrorf("sequence count %d exceeds ceiling %d", len(v.Seq), c.maxFrameSize)
		}
		buf = append(buf, byte(KindSequence))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Seq)))
		var err error
		for _, elem := range v.Seq {
			buf, err = c.appendValue(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, framingErrorf("unknown value kind %d", v.Kind)
	}
}

func appendLengthPrefixed(buf []byte, tag byte, payload []byte, maxSize uint32) ([]byte, error) {
	if uint64(len(payload)) > uint64(maxSize) {
		return nil, framingErrorf("payload length %d exceeds ceiling %d", len(payload), maxSize)
	}
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

func (c *Codec) readValue(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, framingErrorf("truncated frame: missing tag byte")
	}
	tag := Kind(data[0])
	rest := data[1:]
	switch tag {
	case KindAbsent:
		return Absent(), rest, nil
	case KindText, KindOpaqueBytes, KindFramedBytes, KindStructured:
		payload, rest, err := readLengthPrefixed(rest, c.maxFrameSize)
		if err != nil {
			return Value{}, nil, err
		}
		switch tag {
		case KindText:
			return Text(string(payload)), rest, nil
		case KindOpaqueBytes:
			return OpaqueBytes(payload), rest, nil
		case KindFramedBytes:
			return FramedBytes(payload), rest, nil
		default: // KindStructured
			return Value{Kind: KindStructured, Text: string(payload)}, rest, nil
		}
	case KindSequence:
		if len(rest) < 4 {
			return Value{}, nil, framingErrorf("truncated frame: missing sequence count")
		}
		count := binary.BigEndian.Uint32(rest[:4])
		if uint64(count) > uint64(c.maxFrameSize) {
			return Value{}, nil, framingErrorf("sequence count %d exceeds ceiling %d", count, c.maxFrameSize)
		}
		rest = rest[4:]
		seq := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			var elem Value
			var err error
			elem, rest, err = c.readValue(rest)
			if err != nil {
				return Value{}, nil, err
			}
			seq = append(seq, elem)
		}
		return Sequence(seq...), rest, nil
	default:
		return Value{}, nil, framingErrorf("unknown tag byte %#x", data[0])
	}
}

func readLengthPrefixed(data []byte, maxSize uint32) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, framingErrorf("truncated frame: missing length prefix")
	}
	length := binary.BigEndian.Uint32(data[:4])
	if length > maxSize {
		return nil, nil, framingErrorf("payload length %d exceeds ceiling %d", length, maxSize)
	}
	data = data[4:]
	if uint64(len(data)) < uint64(length) {
		return nil, nil, framingErrorf("truncated frame: declared length %d, have %d", length, len(data))
	}
	return data[:length], data[length:], nil
}
