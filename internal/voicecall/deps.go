package voicecall

import (
	"context"

	"voicecall-platform/internal/feedback"
)

// Microphone asks the participant's device for capture permission.
type Microphone interface {
	Request(ctx context.Context) error
}

// Alerter shows a user-visible failure message.
type Alerter interface {
	Alert(ctx context.Context, title, message string)
}

// Feedback is the audio/haptic unit owned by one leg.
type Feedback interface {
	PlayRingtone(ctx context.Context, callerName string) feedback.Modality
	PlayRingback(ctx context.Context) error
	StopRingtone(ctx context.Context)
	StopRingback(ctx context.Context)
	StopAll(ctx context.Context)
}

// LineLock claims a participant's line across devices and processes.
type LineLock interface {
	Acquire(ctx context.Context, userID, owner string) (bool, error)
	Release(ctx context.Context, userID, owner string) error
}

// Auditor records call lifecycle events. Failures must not affect the call.
type Auditor interface {
	CallEvent(ctx context.Context, callID, userID, event, detail string)
}
