package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("calls: record not found")
	ErrTerminal      = errors.New("calls: record already terminal")
	ErrInvalidRecord = errors.New("calls: invalid record")
	ErrInvalidStatus = errors.New("calls: invalid status")
)

// Store is the durable call record contract used by call legs.
//
// SubscribeRow delivers the full row after every change to id until the
// returned cancel func is called. Delivery may be late; it is the fallback
// path when a signaling broadcast is lost.
type Store interface {
	Create(ctx context.Context, rec NewRecord) (string, error)
	Update(ctx context.Context, id string, p Patch) error
	Get(ctx context.Context, id string) (Record, error)
	SubscribeRow(ctx context.Context, id string, fn func(Record)) (func(), error)
	ListForParticipant(ctx context.Context, userID string, from, to time.Time) ([]Record, error)
}
