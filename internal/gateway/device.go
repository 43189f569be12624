package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicecall-platform/internal/feedback"
	"voicecall-platform/internal/media"
)

// The adapters below drive the participant's device over its connection.
// Feedback adapters report any device failure as unavailable so the
// feedback unit falls through to the next modality.

type deviceAudio struct{ c *Client }

func (d deviceAudio) Play(ctx context.Context, tone feedback.Tone) error {
	return unavailable(d.c.Request(ctx, TypeAudioPlay, TonePayload{Tone: string(tone)}))
}

func (d deviceAudio) Stop(ctx context.Context, tone feedback.Tone) error {
	return unavailable(d.c.Request(ctx, TypeAudioStop, TonePayload{Tone: string(tone)}))
}

type deviceHaptics struct{ c *Client }

func (d deviceHaptics) Vibrate(ctx context.Context, pattern []time.Duration) error {
	ms := make([]int64, len(pattern))
	for i, p := range pattern {
		ms[i] = p.Milliseconds()
	}
	return unavailable(d.c.Request(ctx, TypeVibrate, VibratePayload{PatternMS: ms}))
}

func (d deviceHaptics) Cancel(ctx context.Context) error {
	return unavailable(d.c.Request(ctx, TypeVibrateCancel, nil))
}

type deviceNotifier struct{ c *Client }

func (d deviceNotifier) Show(ctx context.Context, n feedback.Notification) error {
	return unavailable(d.c.Request(ctx, TypeNotifyShow, n))
}

func (d deviceNotifier) Dismiss(ctx context.Context, tag string) error {
	return unavailable(d.c.Request(ctx, TypeNotifyDismiss, TagPayload{Tag: tag}))
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", feedback.ErrUnavailable, err)
}

type deviceMicrophone struct{ c *Client }

func (d deviceMicrophone) Request(ctx context.Context) error {
	return d.c.Request(ctx, TypeMicRequest, nil)
}

type deviceAlerter struct{ c *Client }

func (d deviceAlerter) Alert(ctx context.Context, title, message string) {
	_ = d.c.Push(TypeAlert, AlertPayload{Title: title, Message: message})
}

// remoteEngines builds engines that run on the device. Media events the
// device reports are routed to the hooks of the most recent engine.
type remoteEngines struct {
	c *Client

	mu      sync.Mutex
	current *remoteEngine
}

func (f *remoteEngines) NewEngine(ctx context.Context, creds media.Credentials, hooks media.Hooks) (media.Engine, error) {
	select {
	case <-f.c.Done():
		return nil, ErrClientClosed
	default:
	}
	e := &remoteEngine{c: f.c, creds: creds, hooks: hooks}
	f.mu.Lock()
	f.current = e
	f.mu.Unlock()
	return e, nil
}

func (f *remoteEngines) mediaEvent(typ string) {
	f.mu.Lock()
	e := f.current
	f.mu.Unlock()
	if e == nil {
		return
	}

	var hook func()
	switch typ {
	case TypeMediaLeft:
		hook = e.hooks.OnLeave
	case TypeMediaRemoteLeft:
		hook = e.hooks.OnRemoteLeave
	}
	if hook != nil {
		hook()
	}
}

type remoteEngine struct {
	c     *Client
	creds media.Credentials
	hooks media.Hooks
}

// JoinPayload hands the device everything it needs to enter the room.
type JoinPayload struct {
	media.Credentials
	Container string `json:"container"`
}

func (e *remoteEngine) JoinRoom(ctx context.Context, c media.Container) error {
	return e.c.Request(ctx, TypeMediaJoin, JoinPayload{Credentials: e.creds, Container: string(c)})
}

func (e *remoteEngine) LeaveRoom(ctx context.Context) error {
	return e.c.Request(ctx, TypeMediaLeave, nil)
}

func (e *remoteEngine) SetMicrophoneEnabled(ctx context.Context, on bool) error {
	return e.c.Request(ctx, TypeMediaMic, TogglePayload{On: on})
}

func (e *remoteEngine) SetSpeakerRouting(ctx context.Context, on bool) error {
	return e.c.Request(ctx, TypeMediaSpeaker, TogglePayload{On: on})
}
