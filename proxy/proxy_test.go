package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chanmux/wire"
)

type greeterService struct {
	greetings chan string
}

func (g *greeterService) Greet(ctx context.Context, name string) (string, error) {
	return "hello " + name, nil
}

func (g *greeterService) OnGreetings(ctx context.Context) (<-chan string, error) {
	return g.greetings, nil
}

func (g *greeterService) OnDynamicNamed(ctx context.Context, name string) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- "named:" + name
	close(ch)
	return ch, nil
}

func TestServiceCallInvokesMethodByName(t *testing.T) {
	svc := New(&greeterService{})
	result, err := svc.Call(context.Background(), "Greet", wire.Text("world"))
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
}

func TestServiceCallRejectsOnPrefixedName(t *testing.T) {
	svc := New(&greeterService{})
	_, err := svc.Call(context.Background(), "OnGreetings", wire.Absent())
	require.Error(t, err)
}

func TestServiceListenStaticEvent(t *testing.T) {
	g := &greeterService{greetings: make(chan string, 1)}
	svc := New(g)

	producer, err := svc.Listen(context.Background(), "Greetings", wire.Absent())
	require.NoError(t, err)

	g.greetings <- "hi"
	close(g.greetings)

	select {
	case v := <-producer.Events():
		require.Equal(t, "hi", v.Text)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestServiceListenDynamicEvent(t *testing.T) {
	svc := New(&greeterService{})
	producer, err := svc.Listen(context.Background(), "Named", wire.Text("alice"))
	require.NoError(t, err)

	select {
	case v := <-producer.Events():
		require.Equal(t, "named:alice", v.Text)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
