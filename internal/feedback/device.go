package feedback

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by a device that cannot perform the request,
// e.g. audio blocked by an autoplay policy or no vibration motor.
var ErrUnavailable = errors.New("feedback: modality unavailable")

type Tone string

const (
	ToneRingtone Tone = "ringtone"
	ToneRingback Tone = "ringback"
)

// Audio plays looping tones on the participant's device.
type Audio interface {
	Play(ctx context.Context, tone Tone) error
	Stop(ctx context.Context, tone Tone) error
}

// Haptics drives the vibration motor. Pattern alternates on/off durations.
type Haptics interface {
	Vibrate(ctx context.Context, pattern []time.Duration) error
	Cancel(ctx context.Context) error
}

type Notification struct {
	Tag   string `json:"tag"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notifier posts OS-level notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, tag string) error
}
