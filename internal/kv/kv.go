// Package kv is a demo channel backed by Redis: get/set commands plus a
// changes event stream published over Redis pub/sub, wired in to exercise
// the multiplexer's Call and Subscribe paths against a real datastore.
package kv

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/wire"
)

// pubSubChannel is the Redis pub/sub channel used to fan out Set
// notifications to every Service instance subscribed to "changes".
const pubSubChannel = "chanmux:kv:changes"

// Change describes one key having been set, delivered on the "changes"
// event. ID is a stable, unique correlation key for the change (generated
// fresh per publish) so that subscribers and logs can deduplicate or
// cross-reference the same change across multiple delivery paths.
type Change struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type getArgs struct {
	Key string `json:"key"`
}

type setArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Service adapts a Redis client into a channel.Handler exposing "get" and
// "set" commands and a "changes" event.
type Service struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a Service storing keys under prefix (e.g. "demo:").
func New(rdb *redis.Client, prefix string) *Service {
	return &Service{rdb: rdb, prefix: prefix}
}

func (s *Service) redisKey(key string) string { return s.prefix + key }

// Call implements channel.Handler.
func (s *Service) Call(ctx context.Context, method string, arg wire.Value) (wire.Value, error) {
	switch method {
	case "get":
		var args getArgs
		if err := arg.Unmarshal(&args); err != nil {
			return wire.Value{}, channel.NewHandlerError("Error", "invalid get arguments", nil)
		}
		val, err := s.rdb.Get(ctx, s.redisKey(args.Key)).Result()
		if err == redis.Nil {
			return wire.Absent(), nil
		}
		if err != nil {
			return wire.Value{}, channel.FromGoError(err)
		}
		return wire.Text(val), nil

	case "set":
		var args setArgs
		if err := arg.Unmarshal(&args); err != nil {
			return wire.Value{}, channel.NewHandlerError("Error", "invalid set arguments", nil)
		}
		if err := s.rdb.Set(ctx, s.redisKey(args.Key), args.Value, 0).Err(); err != nil {
			return wire.Value{}, channel.FromGoError(err)
		}
		if err := s.publishChange(ctx, args.Key, args.Value); err != nil {
			return wire.Value{}, channel.FromGoError(err)
		}
		return wire.Absent(), nil

	default:
		return wire.Value{}, channel.NewHandlerError("Error", fmt.Sprintf("unknown command %q", method), nil)
	}
}

func (s *Service) publishChange(ctx context.Context, key, value string) error {
	body, err := wire.Structured(Change{ID: uuid.New().String(), Key: key, Value: value})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, pubSubChannel, body.Text).Err()
}

// Listen implements channel.Handler.
func (s *Service) Listen(ctx context.Context, event string, arg wire.Value) (channel.EventProducer, error) {
	if event != "changes" {
		return nil, channel.NewHandlerError("Error", fmt.Sprintf("unknown event %q", event), nil)
	}

	sub := s.rdb.Subscribe(ctx, pubSubChannel)
	producer := channel.NewChanProducer(8)
	go func() {
		defer close(producer.Chan)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				producer.Chan <- wire.Value{Kind: wire.KindStructured, Text: msg.Payload}
			}
		}
	}()
	return producer, nil
}
