// Package proxy implements the Service Proxy (C8): a reflective adapter
// that exposes an ordinary Go value as a channel.Handler, so that
// application code can register a typed service directly on a
// channel.Server/hub.Hub instead of hand-writing Call/Listen dispatch.
//
// By convention, a method is classified by its name:
//   - "On<Name>" with no argument besides ctx is a static event: Listen("Name")
//     calls it once and streams whatever channel it returns.
//   - "OnDynamic<Name>" takes one argument besides ctx and is a parameterized
//     event factory: Listen("Name", arg) decodes arg into that parameter.
//   - anything else exported is a command reachable via Call("Name", arg).
package proxy

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/wire"
)

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()

// Reviver lets application code intercept and transform a Call/Listen
// argument Value before it is decoded into the target Go method's parameter
// type, e.g. to reconstruct an application-specific type from a structured
// payload. A nil Reviver is the identity transform.
type Reviver func(method string, arg wire.Value) (wire.Value, error)

// Service wraps an arbitrary Go value as a channel.Handler via reflection.
type Service struct {
	target  reflect.Value
	typ     reflect.Type
	reviver Reviver
}

// Option configures a Service at construction.
type Option func(*Service)

// WithReviver installs a Reviver applied to every Call/Listen argument
// before decoding.
func WithReviver(r Reviver) Option {
	return func(s *Service) { s.reviver = r }
}

// New wraps target, which must be a non-nil pointer or interface value
// whose method set is exported, as a channel.Handler.
func New(target any, opts ...Option) *Service {
	s := &Service{target: reflect.ValueOf(target), typ: reflect.TypeOf(target)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call implements channel.Handler by invoking the exported method named
// method with arg decoded into its parameter type.
func (s *Service) Call(ctx context.Context, method string, arg wire.Value) (wire.Value, error) {
	m, ok := s.lookupMethod(method)
	if !ok {
		return wire.Value{}, channel.NewHandlerError("Error", fmt.Sprintf("unknown command %q", method), nil)
	}
	if strings.HasPrefix(method, "On") {
		return wire.Value{}, channel.NewHandlerError("Error", fmt.Sprintf("%q is an event, not a command", method), nil)
	}
	return s.invokeCommand(ctx, method, m, arg)
}

// Listen implements channel.Handler by invoking the On<event> or
// OnDynamic<event> method and adapting its returned channel into an
// EventProducer.
func (s *Service) Listen(ctx context.Context, event string, arg wire.Value) (channel.EventProducer, error) {
	name := "On" + capitalize(event)
	dynamicName := "OnDynamic" + capitalize(event)

	if m, ok := s.lookupMethod(dynamicName); ok && !arg.IsAbsent() {
		return s.invokeListen(ctx, dynamicName, m, &arg)
	}
	if m, ok := s.lookupMethod(name); ok {
		return s.invokeListen(ctx, name, m, nil)
	}
	if m, ok := s.lookupMethod(dynamicName); ok {
		return s.invokeListen(ctx, dynamicName, m, &arg)
	}
	return nil, channel.NewHandlerError("Error", fmt.Sprintf("unknown event %q", event), nil)
}

func (s *Service) lookupMethod(name string) (reflect.Method, bool) {
	return s.typ.MethodByName(name)
}

func (s *Service) invokeCommand(ctx context.Context, method string, m reflect.Method, arg wire.Value) (wire.Value, error) {
	in, err := s.buildArgs(ctx, method, m, arg)
	if err != nil {
		return wire.Value{}, err
	}
	out := s.target.Method(m.Index).Call(in)
	return s.decodeResults(method, out)
}

func (s *Service) invokeListen(ctx context.Context, method string, m reflect.Method, arg *wire.Value) (channel.EventProducer, error) {
	var in []reflect.Value
	var err error
	if arg != nil {
		in, err = s.buildArgs(ctx, method, m, *arg)
	} else {
		in, err = s.buildArgs(ctx, method, m, wire.Absent())
	}
	if err != nil {
		return nil, err
	}
	out := s.target.Method(m.Index).Call(in)
	return s.adaptEventResult(method, out)
}

// buildArgs assembles the reflect.Value arguments for m, which always
// excludes the receiver (s.target.Method already binds it): an optional
// leading context.Context, followed by at most one decoded parameter built
// from arg.
func (s *Service) buildArgs(ctx context.Context, method string, m reflect.Method, arg wire.Value) ([]reflect.Value, error) {
	fn := m.Func.Type()
	// fn's first parameter is the receiver; skip it.
	params := make([]reflect.Type, 0, fn.NumIn()-1)
	for i := 1; i < fn.NumIn(); i++ {
		params = append(params, fn.In(i))
	}

	var in []reflect.Value
	idx := 0
	if idx < len(params) && params[idx].Implements(ctxType) {
		in = append(in, reflect.ValueOf(ctx))
		idx++
	}
	if idx < len(params) {
		if s.reviver != nil {
			revived, err := s.reviver(method, arg)
			if err != nil {
				return nil, channel.FromGoError(err)
			}
			arg = revived
		}
		v, err := decodeValue(arg, params[idx])
		if err != nil {
			return nil, channel.NewHandlerError("Error", fmt.Sprintf("decoding argument for %q: %v", method, err), nil)
		}
		in = append(in, v)
		idx++
	}
	return in, nil
}

// decodeResults converts a command method's return values (result, error)
// or just (result) into a wire.Value, propagating a non-nil trailing error.
func (s *Service) decodeResults(method string, out []reflect.Value) (wire.Value, error) {
	if len(out) == 0 {
		return wire.Absent(), nil
	}
	last := out[len(out)-1]
	if last.Type() == errType {
		if !last.IsNil() {
			return wire.Value{}, channel.FromGoError(last.Interface().(error))
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return wire.Absent(), nil
	}
	return encodeValue(out[0])
}

// adaptEventResult converts an On<Name>/OnDynamic<Name> method's return
// value — a receive-only channel, optionally paired with a trailing error —
// into a channel.EventProducer that marshals each delivered value.
func (s *Service) adaptEventResult(method string, out []reflect.Value) (channel.EventProducer, error) {
	if len(out) == 0 {
		return nil, channel.NewHandlerError("Error", fmt.Sprintf("%q returned no channel", method), nil)
	}
	last := out[len(out)-1]
	if last.Type() == errType {
		if !last.IsNil() {
			return nil, channel.FromGoError(last.Interface().(error))
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 || out[0].Kind() != reflect.Chan {
		return nil, channel.NewHandlerError("Error", fmt.Sprintf("%q did not return a channel", method), nil)
	}

	src := out[0]
	producer := channel.NewChanProducer(8)
	go func() {
		defer close(producer.Chan)
		for {
			v, ok := src.Recv()
			if !ok {
				return
			}
			encoded, err := encodeValue(v)
			if err != nil {
				continue
			}
			producer.Chan <- encoded
		}
	}()
	return producer, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// decodeValue converts a wire.Value into a reflect.Value assignable to typ,
// special-casing the string and byte-slice kinds and falling back to the
// structured JSON representation for everything else.
func decodeValue(v wire.Value, typ reflect.Type) (reflect.Value, error) {
	switch {
	case typ.Kind() == reflect.String:
		str, _ := v.Str()
		return reflect.ValueOf(str).Convert(typ), nil
	case typ.Kind() == reflect.Slice && typ.Elem().Kind() == reflect.Uint8:
		return reflect.ValueOf(v.Bytes).Convert(typ), nil
	default:
		ptr := reflect.New(typ)
		if err := v.Unmarshal(ptr.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	}
}

// encodeValue converts a reflect.Value into a wire.Value, special-casing
// strings and byte slices and falling back to the structured JSON
// representation for everything else.
func encodeValue(v reflect.Value) (wire.Value, error) {
	switch {
	case v.Kind() == reflect.String:
		return wire.Text(v.String()), nil
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		return wire.OpaqueBytes(v.Bytes()), nil
	default:
		return wire.Structured(v.Interface())
	}
}
