package channel

import (
	"context"
	"sync"

	"goa.design/chanmux/wire"
)

// Subscription multiplexes any number of local listeners onto a single wire
// Subscribe for one channel/event pair: the underlying Client.Listen call is
// only issued when the first listener is added, and the matching
// Unsubscribe only emitted once the last listener is removed. This is the
// lazy-subscription counterpart to the Router's Filter-based event fan-in,
// usable directly against one connection's Client.
type Subscription struct {
	client  *Client
	channel string
	event   string
	arg     wire.Value

	mu        sync.Mutex
	listeners map[int]chan wire.Value
	nextID    int
	cancel    context.CancelFunc // ends the active wire subscription, if any
}

// NewSubscription prepares a lazy subscription against channel/event. No
// wire Subscribe is sent until the first call to AddListener.
func NewSubscription(client *Client, channel, event string, arg wire.Value) *Subscription {
	return &Subscription{
		client:    client,
		channel:   channel,
		event:     event,
		arg:       arg,
		listeners: make(map[int]chan wire.Value),
	}
}

// AddListener registers a new local listener, issuing the wire Subscribe if
// this is the first one. The returned channel delivers event payloads until
// RemoveListener(id) is called; buffer controls how many unread events may
// queue for this listener before new ones are dropped.
func (s *Subscription) AddListener(ctx context.Context, buffer int) (id int, events <-chan wire.Value, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listeners) == 0 {
		subCtx, cancel := context.WithCancel(context.Background())
		wireSub, err := s.client.Listen(subCtx, s.channel, s.event, s.arg)
		if err != nil {
			cancel()
			return 0, nil, err
		}
		s.cancel = cancel
		go s.forward(wireSub)
	}

	s.nextID++
	id = s.nextID
	ch := make(chan wire.Value, buffer)
	s.listeners[id] = ch
	return id, ch, nil
}

// RemoveListener unregisters a listener added by AddListener, issuing the
// wire Unsubscribe if it was the last one. Removing an unknown id is a
// no-op.
func (s *Subscription) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.listeners[id]
	if !ok {
		return
	}
	delete(s.listeners, id)
	close(ch)

	if len(s.listeners) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// forward fans EventFire payloads out to every current listener, dropping
// for any listener whose buffer is full rather than blocking the others.
func (s *Subscription) forward(wireSub *ClientSubscription) {
	for v := range wireSub.Events() {
		s.mu.Lock()
		for _, ch := range s.listeners {
			select {
			case ch <- v:
			default:
			}
		}
		s.mu.Unlock()
	}
}
