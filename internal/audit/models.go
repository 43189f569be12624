package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id or room_id is required; every event belongs to one call attempt.
// - actor capture is best-effort; do not block call flows on audit failures.
//
// Storage (Postgres): table call_audit_events, INSERT-only.
type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id,omitempty" db:"call_id"`
	RoomID string `json:"room_id,omitempty" db:"room_id"`

	// Type indicates the lifecycle step the record describes.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the participant whose leg observed the step.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallLifecycle EventType = "call_lifecycle"
	EventTypeCredential    EventType = "media_credential"
	EventTypePSTN          EventType = "pstn_call"
)
