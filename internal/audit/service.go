package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to participants.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" && e.RoomID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// CallEvent records one lifecycle step seen by userID's leg. Failures are
// logged and swallowed.
func (s *Service) CallEvent(ctx context.Context, callID, userID, event, detail string) {
	msg := event
	if detail != "" {
		msg = event + ": " + detail
	}
	err := s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeCallLifecycle,
		ActorUserID: userID,
		Message:     msg,
	})
	if err != nil {
		s.log.Warn("audit append failed", "call_id", callID, "event", event, "err", err)
	}
}

// LogCredentialIssued records that a media token was minted for a room.
func (s *Service) LogCredentialIssued(ctx context.Context, roomID, actorUserID, actorRole string) error {
	return s.Append(ctx, Event{
		RoomID:      roomID,
		Type:        EventTypeCredential,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		Message:     "media token issued",
	})
}

// LogPSTNCall records a click-to-call attempt. Attempts the provider refused
// have no provider call id and get a generated one.
func (s *Service) LogPSTNCall(ctx context.Context, providerCallID, orderID, actorUserID, actorRole, outcome string) error {
	if providerCallID == "" {
		providerCallID = uuid.NewString()
	}
	msg := "pstn call " + outcome
	if orderID != "" {
		msg += " for order " + orderID
	}
	return s.Append(ctx, Event{
		CallID:      "pstn:" + providerCallID,
		Type:        EventTypePSTN,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		Message:     msg,
	})
}
