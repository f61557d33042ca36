package channel

import (
	"fmt"
	"runtime"
	"strings"

	"goa.design/chanmux/wire"
)

// Kind classifies the error kinds a Server or Client can surface.
type Kind string

const (
	// KindUnknownChannel reports a server-side deferred-request timeout:
	// the requested channel was never registered within the timeout budget.
	KindUnknownChannel Kind = "UnknownChannel"
	// KindHandlerError reports that a handler's Call/Listen returned an
	// error shaped like a standard error (message, name, stack).
	KindHandlerError Kind = "HandlerError"
	// KindCancelled reports local cancellation, surfaced only on the
	// caller's side; no wire error is ever sent for it.
	KindCancelled Kind = "Cancelled"
	// KindDisposed reports that an operation was attempted on a disposed
	// Client.
	KindDisposed Kind = "Disposed"
	// KindFraming reports a malformed frame. Fatal to the endpoint that
	// observed it.
	KindFraming Kind = "FramingError"
	// KindTransport reports that Transport.Send failed.
	KindTransport Kind = "TransportError"
)

// Error is the structured error type used throughout the core. It mirrors
// the {message, name, stack} shape carried by CallErr on the wire: Message
// and Name round-trip directly, Stack is a line-split representation of a Go
// stack trace or handler-supplied trace, and Cause preserves the underlying
// Go error for errors.Is/errors.As chains that never cross the wire.
type Error struct {
	Kind    Kind
	Name    string
	Message string
	Stack   []string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap exposes Cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, ErrCancelled) matches regardless of Message/Stack.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors compared with errors.Is. Handlers and callers should never
// mutate these; NewHandlerError and FromGoError below construct fresh
// *Error values instead.
var (
	// ErrCancelled is returned to a caller whose operation was cancelled,
	// either locally (ctx.Done) or because the client was disposed mid-call.
	ErrCancelled = &Error{Kind: KindCancelled, Name: "Cancelled", Message: "cancelled"}
	// ErrDisposed is returned by operations attempted on a disposed Client.
	ErrDisposed = &Error{Kind: KindDisposed, Name: "Disposed", Message: "disposed"}
)

// ObjError wraps an arbitrary non-standard-error payload returned by a
// handler. Such errors are sent as CallErrObj with the raw
// payload rather than the structured {message,name,stack} CallErr shape.
type ObjError struct {
	Payload wire.Value
}

// Error implements the error interface with a generic description; the
// actual payload travels on the wire as the CallErrObj body, not through
// this string.
func (e *ObjError) Error() string { return "channel: handler returned a structured error payload" }

// NewHandlerError constructs a KindHandlerError *Error with an explicit name
// and stack, for handlers that want control over the wire representation.
func NewHandlerError(name, message string, stack []string) *Error {
	return &Error{Kind: KindHandlerError, Name: name, Message: message, Stack: stack}
}

// FromGoError adapts an arbitrary Go error returned by a handler into a
// KindHandlerError *Error, capturing the call stack at the point of
// adaptation when the error does not already carry one.
func FromGoError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{
		Kind:    KindHandlerError,
		Name:    "Error",
		Message: err.Error(),
		Stack:   CaptureStack(2),
		Cause:   err,
	}
}

// CaptureStack renders the current Go call stack as one string per frame,
// skipping the given number of innermost frames (typically 1-2 to exclude
// CaptureStack itself and its immediate caller).
func CaptureStack(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var lines []string
	for {
		frame, more := frames.Next()
		lines = append(lines, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return lines
}

func newUnknownChannelError(channelName string) *Error {
	return &Error{
		Kind:    KindUnknownChannel,
		Name:    "Unknown channel",
		Message: fmt.Sprintf("no handler registered for channel %q", channelName),
	}
}

// callErrBody is the JSON shape carried by a CallErr response body.
type callErrBody struct {
	Message string   `json:"message"`
	Name    string   `json:"name"`
	Stack   []string `json:"stack,omitempty"`
}

func encodeCallErrBody(e *Error) (wire.Value, error) {
	return wire.Structured(callErrBody{Message: e.Message, Name: e.Name, Stack: e.Stack})
}

func decodeCallErrBody(v wire.Value) (*Error, error) {
	var body callErrBody
	if err := v.Unmarshal(&body); err != nil {
		return nil, err
	}
	kind := KindHandlerError
	switch body.Name {
	case "Unknown channel":
		kind = KindUnknownChannel
	case "Cancelled":
		kind = KindCancelled
	}
	return &Error{Kind: kind, Name: body.Name, Message: body.Message, Stack: body.Stack}, nil
}

// splitStack is a convenience for handlers that only have a single
// newline-joined trace string (e.g. from a third-party library) and want the
// sequence<text> wire representation for a stack trace.
func splitStack(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
