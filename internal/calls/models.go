package calls

import (
	"errors"
	"strings"
	"time"
)

// Record is the durable row behind one call attempt (table voice_calls).
//
// Lifecycle: created by the caller as ringing; ongoing once answered; then
// exactly one of ended, declined or missed. A terminal row is never moved
// back to a non-terminal status.
type Record struct {
	ID         string `json:"id" db:"id"`
	ChatID     string `json:"chat_id" db:"chat_id"`
	CallerID   string `json:"caller_id" db:"caller_id"`
	CallerType string `json:"caller_type" db:"caller_type"`
	ReceiverID string `json:"receiver_id" db:"receiver_id"`

	Status Status `json:"status" db:"status"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is the caller or the receiver.
func (r Record) HasParticipant(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.ReceiverID == userID)
}

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusOngoing, StatusEnded, StatusDeclined, StatusMissed:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// NewRecord is the caller-supplied part of a fresh record.
type NewRecord struct {
	ChatID     string
	CallerID   string
	CallerType string
	ReceiverID string
}

func (n NewRecord) Validate() error {
	if strings.TrimSpace(n.CallerID) == "" || strings.TrimSpace(n.ReceiverID) == "" {
		return ErrInvalidRecord
	}
	if n.CallerID == n.ReceiverID {
		return errors.New("calls: caller and receiver must differ")
	}
	if strings.TrimSpace(n.CallerType) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Patch is a partial update. Nil pointers leave the column unchanged.
type Patch struct {
	Status          Status
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

func (p Patch) Validate() error {
	if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.DurationSeconds != nil && *p.DurationSeconds < 0 {
		return errors.New("calls: duration must be non-negative")
	}
	return nil
}

// apply returns r with p applied, enforcing the no-resurrection rule.
// Terminal to terminal is last-write-wins.
func (r Record) apply(p Patch, now time.Time) (Record, error) {
	if r.Status.IsTerminal() && !p.Status.IsTerminal() {
		return r, ErrTerminal
	}
	r.Status = p.Status
	if p.StartedAt != nil {
		t := p.StartedAt.UTC()
		r.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := p.EndedAt.UTC()
		r.EndedAt = &t
	}
	if p.DurationSeconds != nil {
		r.DurationSeconds = *p.DurationSeconds
	}
	r.UpdatedAt = now
	return r, nil
}

// TimePtr and IntPtr keep Patch literals short.
func TimePtr(t time.Time) *time.Time { return &t }

func IntPtr(n int) *int { return &n }
