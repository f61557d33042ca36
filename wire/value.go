// Package wire implements the self-describing binary value codec and the
// frame encoding used by the channel RPC multiplexer. A Value is a tagged
// union that round-trips through Encode/Decode without loss of kind.
package wire

import "encoding/json"

// Kind identifies the tag byte of an encoded Value.
type Kind byte

const (
	// KindAbsent represents the absence of a value (e.g. an Initialize body).
	KindAbsent Kind = 0x00
	// KindText represents a UTF-8 string.
	KindText Kind = 0x01
	// KindOpaqueBytes represents an opaque byte buffer with no further structure.
	KindOpaqueBytes Kind = 0x02
	// KindFramedBytes represents a byte buffer that round-trips as a distinct
	// view from KindOpaqueBytes, preserving the source's pointer/view distinction.
	KindFramedBytes Kind = 0x03
	// KindSequence represents an ordered list of Values.
	KindSequence Kind = 0x04
	// KindStructured represents a JSON-like text rendering of a structured value.
	KindStructured Kind = 0x05
)

// String returns a human-readable name for the kind, used in log fields and
// FramingError messages.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindText:
		return "text"
	case KindOpaqueBytes:
		return "opaque-bytes"
	case KindFramedBytes:
		return "framed-bytes"
	case KindSequence:
		return "sequence"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Value is the wire representation of any payload carried by a Frame: a
// request argument, a call result, an event payload, or a header entry.
// Only the fields relevant to Kind are populated; the others are the zero
// value.
type Value struct {
	Kind  Kind
	Text  string  // KindText, KindStructured (raw JSON-like text)
	Bytes []byte  // KindOpaqueBytes, KindFramedBytes
	Seq   []Value // KindSequence
}

// Absent returns the absent Value, used for bodies that carry no payload
// (Initialize responses, Cancel/Unsubscribe requests).
func Absent() Value { return Value{Kind: KindAbsent} }

// Text returns a text Value wrapping s.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// OpaqueBytes returns an opaque-bytes Value wrapping b. The slice is not
// copied; callers must not mutate b after passing it in.
func OpaqueBytes(b []byte) Value { return Value{Kind: KindOpaqueBytes, Bytes: b} }

// FramedBytes returns a framed-bytes Value wrapping b. Distinct from
// OpaqueBytes only in tag so that the two byte kinds round-trip without
// collapsing into one on the receiving side.
func FramedBytes(b []byte) Value { return Value{Kind: KindFramedBytes, Bytes: b} }

// Sequence returns a sequence Value containing vs in order.
func Sequence(vs ...Value) Value { return Value{Kind: KindSequence, Seq: vs} }

// Structured marshals v as JSON and returns a structured Value wrapping the
// resulting text. Used for header integers, ids, and any application payload
// that the reviver may later rehydrate.
func Structured(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindStructured, Text: string(b)}, nil
}

// MustStructured is like Structured but panics on error. Safe to use with
// values that cannot fail to marshal, such as the built-in header integers
// and strings produced by this package.
func MustStructured(v any) Value {
	val, err := Structured(v)
	if err != nil {
		panic("wire: MustStructured: " + err.Error())
	}
	return val
}

// Int returns a structured Value encoding n, used for header tags and ids.
func Int(n int64) Value { return MustStructured(n) }

// Unmarshal decodes a structured Value's JSON text into v. Returns an error
// if the Value is not KindStructured or the JSON is invalid.
func (v Value) Unmarshal(out any) error {
	if v.Kind != KindStructured {
		return &FramingError{Reason: "value is not structured: " + v.Kind.String()}
	}
	return json.Unmarshal([]byte(v.Text), out)
}

// Int64 extracts an integer header/body entry. It accepts KindStructured
// values only, matching how Int encodes header integers.
func (v Value) Int64() (int64, bool) {
	if v.Kind != KindStructured {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal([]byte(v.Text), &n); err != nil {
		return 0, false
	}
	return n, true
}

// Str extracts a plain string from a KindText value.
func (v Value) Str() (string, bool) {
	if v.Kind != KindText {
		return "", false
	}
	return v.Text, true
}

// IsAbsent reports whether v carries no payload.
func (v Value) IsAbsent() bool { return v.Kind == KindAbsent }

// Equal reports whether v and other encode to the same logical value. Used by
// codec round-trip tests; defined here rather than via reflect.DeepEqual so
// that nil vs. empty Seq/Bytes compare equal.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindText, KindStructured:
		return v.Text == other.Text
	case KindOpaqueBytes, KindFramedBytes:
		return bytesEqual(v.Bytes, other.Bytes)
	case KindSequence:
		if len(v.Seq) != len(other.Seq) {
			return false
		}
		for i := range v.Seq {
			if !v.Seq[i].Equal(other.Seq[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
