package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voicecall-platform/pkg/utils"
)

// Modality reports which channel ended up alerting the user.
type Modality string

const (
	ModalityAudio        Modality = "audio"
	ModalityVibration    Modality = "vibration"
	ModalityNotification Modality = "notification"
	ModalityNone         Modality = "none"
)

// RingPattern is re-issued every RingCycle while an incoming call rings
// without audio.
var RingPattern = []time.Duration{400 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

const RingCycle = 1500 * time.Millisecond

const incomingCallTag = "incoming-call"

// Unit owns ringtone, ringback and vibration for one call leg.
// Missing devices are treated as unavailable.
type Unit struct {
	audio    Audio
	haptics  Haptics
	notifier Notifier
	clock    utils.Clock
	log      *slog.Logger

	// hapticMu serialises vibration ticks against StopRingtone so no
	// pattern is issued after a cancel.
	hapticMu  sync.Mutex
	vibeGen   int
	vibeTimer utils.Timer
}

func New(audio Audio, haptics Haptics, notifier Notifier, clock utils.Clock, log *slog.Logger) *Unit {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Unit{audio: audio, haptics: haptics, notifier: notifier, clock: clock, log: log}
}

// PlayRingtone alerts the callee: audio first, then a repeating vibration,
// then an OS notification.
func (u *Unit) PlayRingtone(ctx context.Context, callerName string) Modality {
	if u.audio != nil {
		err := u.audio.Play(ctx, ToneRingtone)
		if err == nil {
			return ModalityAudio
		}
		u.log.Debug("ringtone audio rejected", "err", err)
	}

	if u.haptics != nil {
		u.hapticMu.Lock()
		u.vibeGen++
		gen := u.vibeGen
		err := u.haptics.Vibrate(ctx, RingPattern)
		if err == nil {
			u.scheduleVibrationLocked(gen)
			u.hapticMu.Unlock()
			return ModalityVibration
		}
		u.hapticMu.Unlock()
		u.log.Debug("ringtone vibration rejected", "err", err)
	}

	if u.notifier != nil {
		body := "Someone is calling"
		if callerName != "" {
			body = callerName + " is calling"
		}
		err := u.notifier.Show(ctx, Notification{Tag: incomingCallTag, Title: "Incoming call", Body: body})
		if err == nil {
			return ModalityNotification
		}
		u.log.Debug("ringtone notification rejected", "err", err)
	}

	u.log.Warn("no feedback modality available for incoming call")
	return ModalityNone
}

// PlayRingback plays the caller-side waiting tone. There is no fallback.
func (u *Unit) PlayRingback(ctx context.Context) error {
	if u.audio == nil {
		return ErrUnavailable
	}
	return u.audio.Play(ctx, ToneRingback)
}

// StopRingtone cancels every incoming-call modality, whichever were started.
func (u *Unit) StopRingtone(ctx context.Context) {
	if u.audio != nil {
		if err := u.audio.Stop(ctx, ToneRingtone); err != nil {
			u.log.Debug("stop ringtone audio failed", "err", err)
		}
	}

	if u.haptics != nil {
		u.hapticMu.Lock()
		u.vibeGen++
		if u.vibeTimer != nil {
			u.vibeTimer.Stop()
			u.vibeTimer = nil
		}
		if err := u.haptics.Cancel(ctx); err != nil {
			u.log.Debug("cancel vibration failed", "err", err)
		}
		u.hapticMu.Unlock()
	}

	if u.notifier != nil {
		if err := u.notifier.Dismiss(ctx, incomingCallTag); err != nil {
			u.log.Debug("dismiss notification failed", "err", err)
		}
	}
}

func (u *Unit) StopRingback(ctx context.Context) {
	if u.audio == nil {
		return
	}
	if err := u.audio.Stop(ctx, ToneRingback); err != nil {
		u.log.Debug("stop ringback failed", "err", err)
	}
}

// StopAll silences everything this unit may have started.
func (u *Unit) StopAll(ctx context.Context) {
	u.StopRingback(ctx)
	u.StopRingtone(ctx)
}

func (u *Unit) scheduleVibrationLocked(gen int) {
	u.vibeTimer = u.clock.AfterFunc(RingCycle, func() {
		u.hapticMu.Lock()
		defer u.hapticMu.Unlock()
		if gen != u.vibeGen {
			return
		}
		if err := u.haptics.Vibrate(context.Background(), RingPattern); err != nil {
			u.log.Debug("vibration repeat failed", "err", err)
			return
		}
		u.scheduleVibrationLocked(gen)
	})
}
