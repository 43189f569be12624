package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub with JSON envelopes.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, prefix: "voicecall:", log: log}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	if b.rdb == nil {
		return errors.New("signaling: redis client is nil")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if b.rdb == nil {
		return nil, errors.New("signaling: redis client is nil")
	}
	ps := b.rdb.Subscribe(ctx, b.prefix+topic)

	// Wait for the SUBSCRIBE confirmation before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{ps: ps}
	ch := ps.Channel()
	go func() {
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("signaling: dropping malformed message", "topic", topic, "err", err)
				continue
			}
			h(msg)
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	once sync.Once
	ps   *redis.PubSub
	err  error
}

// Close is safe to call from inside the subscription's own handler.
func (s *redisSubscription) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}
