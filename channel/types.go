// Package channel implements the Channel Server (C3) and Channel Client
// (C4) halves of the multiplexer: the four-type request/response state
// machine with correlation ids, cooperative cancellation, deferred delivery,
// and event subscription lifecycle.
package channel

import (
	"fmt"

	"goa.design/chanmux/wire"
)

// Request and response tags. Requests occupy 100-103,
// responses 200-204; a Connection Endpoint demultiplexes incoming frames by
// which range the first header entry falls into.
const (
	TagCall         int64 = 100
	TagCancel       int64 = 101
	TagSubscribe    int64 = 102
	TagUnsubscribe  int64 = 103
	TagInitialize   int64 = 200
	TagCallOk       int64 = 201
	TagCallErr      int64 = 202
	TagCallErrObj   int64 = 203
	TagEventFire    int64 = 204
)

// HeaderTag extracts the first header entry (the frame's tag) without fully
// parsing the rest of the header. Returns false if h is not a non-empty
// Sequence whose first element is a structured integer.
func HeaderTag(h wire.Value) (int64, bool) {
	if h.Kind != wire.KindSequence || len(h.Seq) == 0 {
		return 0, false
	}
	return h.Seq[0].Int64()
}

// IsRequestTag reports whether tag identifies a Call/Cancel/Subscribe/
// Unsubscribe request frame.
func IsRequestTag(tag int64) bool { return tag >= TagCall && tag <= TagUnsubscribe }

// IsResponseTag reports whether tag identifies an Initialize/CallOk/CallErr/
// CallErrObj/EventFire response frame.
func IsResponseTag(tag int64) bool { return tag >= TagInitialize && tag <= TagEventFire }

// SendFunc abstracts a Transport Adapter's Send for the purposes of this
// package: hand the Server or Client a whole encoded frame to deliver
// atomically. Errors are classified as KindTransport by the caller.
type SendFunc func(frame []byte) error

// request is the decoded header of an incoming Call/Cancel/Subscribe/
// Unsubscribe frame.
type request struct {
	Tag     int64
	ID      int64
	Channel string
	Method  string // method for Call, event name for Subscribe
}

// response is the decoded header of an outgoing/incoming Initialize/CallOk/
// CallErr/CallErrObj/EventFire frame.
type response struct {
	Tag   int64
	ID    int64
	HasID bool
}

func parseRequestHeader(h wire.Value) (request, error) {
	if h.Kind != wire.KindSequence || len(h.Seq) < 2 {
		return request{}, &wire.FramingError{Reason: "request header too short"}
	}
	tag, ok := h.Seq[0].Int64()
	if !ok {
		return request{}, &wire.FramingError{Reason: "request header tag not an integer"}
	}
	id, ok := h.Seq[1].Int64()
	if !ok {
		return request{}, &wire.FramingError{Reason: "request header id not an integer"}
	}
	req := request{Tag: tag, ID: id}
	switch tag {
	case TagCall, TagSubscribe:
		if len(h.Seq) != 4 {
			return request{}, &wire.FramingError{Reason: fmt.Sprintf("request tag %d expects 4 header entries, got %d", tag, len(h.Seq))}
		}
		ch, ok := h.Seq[2].Str()
		if !ok {
			return request{}, &wire.FramingError{Reason: "request channel is not text"}
		}
		method, ok := h.Seq[3].Str()
		if !ok {
			return request{}, &wire.FramingError{Reason: "request method/event is not text"}
		}
		req.Channel = ch
		req.Method = method
	case TagCancel, TagUnsubscribe:
		if len(h.Seq) != 2 {
			return request{}, &wire.FramingError{Reason: fmt.Sprintf("request tag %d expects 2 header entries, got %d", tag, len(h.Seq))}
		}
	default:
		return request{}, &wire.FramingError{Reason: fmt.Sprintf("unknown request tag %d", tag)}
	}
	return req, nil
}

func parseResponseHeader(h wire.Value) (response, error) {
	if h.Kind != wire.KindSequence || len(h.Seq) == 0 {
		return response{}, &wire.FramingError{Reason: "response header empty"}
	}
	tag, ok := h.Seq[0].Int64()
	if !ok {
		return response{}, &wire.FramingError{Reason: "response header tag not an integer"}
	}
	resp := response{Tag: tag}
	switch tag {
	case TagInitialize:
		if len(h.Seq) != 1 {
			return response{}, &wire.FramingError{Reason: "initialize header must have exactly one entry"}
		}
	case TagCallOk, TagCallErr, TagCallErrObj, TagEventFire:
		if len(h.Seq) != 2 {
			return response{}, &wire.FramingError{Reason: fmt.Sprintf("response tag %d expects 2 header entries, got %d", tag, len(h.Seq))}
		}
		id, ok := h.Seq[1].Int64()
		if !ok {
			return response{}, &wire.FramingError{Reason: "response header id not an integer"}
		}
		resp.ID, resp.HasID = id, true
	default:
		return response{}, &wire.FramingError{Reason: fmt.Sprintf("unknown response tag %d", tag)}
	}
	return resp, nil
}

func callHeader(id int64, channel, method string) wire.Value {
	return wire.Sequence(wire.Int(TagCall), wire.Int(id), wire.Text(channel), wire.Text(method))
}

func cancelHeader(id int64) wire.Value {
	return wire.Sequence(wire.Int(TagCancel), wire.Int(id))
}

func subscribeHeader(id int64, channel, event string) wire.Value {
	return wire.Sequence(wire.Int(TagSubscribe), wire.Int(id), wire.Text(channel), wire.Text(event))
}

func unsubscribeHeader(id int64) wire.Value {
	return wire.Sequence(wire.Int(TagUnsubscribe), wire.Int(id))
}

func initializeHeader() wire.Value { return wire.Sequence(wire.Int(TagInitialize)) }

func callOkHeader(id int64) wire.Value { return wire.Sequence(wire.Int(TagCallOk), wire.Int(id)) }

func callErrHeader(id int64) wire.Value { return wire.Sequence(wire.Int(TagCallErr), wire.Int(id)) }

func callErrObjHeader(id int64) wire.Value {
	return wire.Sequence(wire.Int(TagCallErrObj), wire.Int(id))
}

func eventFireHeader(id int64) wire.Value {
	return wire.Sequence(wire.Int(TagEventFire), wire.Int(id))
}
