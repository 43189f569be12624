package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("signaling: channel closed")

// Channel is one leg's view of a topic: event handlers, a confirmed
// subscription, and sends stamped with the leg's identity.
// Messages the leg sent itself are not delivered back to it.
type Channel struct {
	bus   Bus
	topic string
	self  string

	mu       sync.Mutex
	handlers map[string][]Handler
	sub      Subscription
	closed   bool
}

func NewChannel(bus Bus, topic, self string) *Channel {
	return &Channel{bus: bus, topic: topic, self: self, handlers: make(map[string][]Handler)}
}

func (c *Channel) Topic() string { return c.topic }

// On registers h for event. Register handlers before Subscribe.
func (c *Channel) On(event string, h Handler) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	return c
}

// Subscribe blocks until the subscription is confirmed by the bus.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.sub != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(ctx, c.topic, c.handle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = sub.Close()
		return ErrChannelClosed
	}
	c.sub = sub
	return nil
}

// Send publishes event with payload marshalled as JSON.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.topic, Message{Event: event, From: c.self, Payload: raw})
}

// Close unsubscribes and drops all handlers. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.handlers = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (c *Channel) handle(msg Message) {
	if msg.From != "" && msg.From == c.self {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	hs := append([]Handler(nil), c.handlers[msg.Event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}
