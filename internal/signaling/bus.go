package signaling

import "context"

// Handler receives messages for one topic. Handlers for a topic are called
// one at a time.
type Handler func(Message)

type Subscription interface {
	Close() error
}

// Bus is a best-effort broadcast transport.
//
// Subscribe must not return until the subscription is active, so a caller
// can subscribe and then publish an invitation without losing the reply.
type Bus interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, msg Message) error
}
