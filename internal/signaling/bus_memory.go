package signaling

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryBus is an in-process Bus. Publish delivers synchronously to every
// subscriber of the topic on the publishing goroutine. Messages are
// round-tripped through JSON so payload handling matches RedisBus.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]map[int]Handler
	nextSub int
	drop    func(topic string, msg Message) bool
	sent    []Sent
}

// Sent records a published message for assertions.
type Sent struct {
	Topic string
	Msg   Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// SetDrop installs a filter that silently loses matching messages.
func (b *MemoryBus) SetDrop(fn func(topic string, msg Message) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = fn
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.nextSub++
	key := b.nextSub
	b.subs[topic][key] = h
	return &memorySubscription{bus: b, topic: topic, key: key}, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	b.mu.Lock()
	b.sent = append(b.sent, Sent{Topic: topic, Msg: decoded})
	if b.drop != nil && b.drop(topic, decoded) {
		b.mu.Unlock()
		return nil
	}
	keys := make([]int, 0, len(b.subs[topic]))
	for k := range b.subs[topic] {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	hs := make([]Handler, 0, len(keys))
	for _, k := range keys {
		hs = append(hs, b.subs[topic][k])
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(decoded)
	}
	return nil
}

// Published returns every message published on topic, in order.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, s := range b.sent {
		if s.Topic == topic {
			out = append(out, s.Msg)
		}
	}
	return out
}

// Subscribers reports the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	key   int
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.key)
	if len(s.bus.subs[s.topic]) == 0 {
		delete(s.bus.subs, s.topic)
	}
	return nil
}
