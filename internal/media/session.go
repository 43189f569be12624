package media

import (
	"context"
	"errors"
	"sync"
)

var ErrSessionDestroyed = errors.New("media: session destroyed")

// Session pairs an engine with the container it renders into.
//
// The engine and the container become available in either order. Each
// arrival tries to join; the join runs at most once per session, and only
// when both are present.
type Session struct {
	mu        sync.Mutex
	engine    Engine
	container Container
	joined    bool
	destroyed bool
	mic       *bool
	speaker   *bool
}

func NewSession() *Session { return &Session{} }

// AttachEngine sets the engine and attempts the join. It reports whether
// this call performed the join.
func (s *Session) AttachEngine(ctx context.Context, e Engine) (bool, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false, ErrSessionDestroyed
	}
	s.engine = e
	s.mu.Unlock()
	return s.tryJoin(ctx)
}

// AttachContainer sets or clears the container. A cleared container only
// prevents a join that has not happened yet.
func (s *Session) AttachContainer(ctx context.Context, c Container) (bool, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false, ErrSessionDestroyed
	}
	s.container = c
	s.mu.Unlock()
	return s.tryJoin(ctx)
}

func (s *Session) tryJoin(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.joined || s.destroyed || s.engine == nil || s.container == "" {
		s.mu.Unlock()
		return false, nil
	}
	s.joined = true
	e, c := s.engine, s.container
	mic, speaker := s.mic, s.speaker
	s.mu.Unlock()

	if err := e.JoinRoom(ctx, c); err != nil {
		return true, err
	}
	// Replay toggles made before the engine existed.
	if mic != nil {
		_ = e.SetMicrophoneEnabled(ctx, *mic)
	}
	if speaker != nil {
		_ = e.SetSpeakerRouting(ctx, *speaker)
	}
	return true, nil
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Session) HasEngine() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

// SetMicrophoneEnabled forwards to the engine once joined, otherwise the
// value is remembered and applied on join.
func (s *Session) SetMicrophoneEnabled(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.mic = &on
	e, joined := s.engine, s.joined && !s.destroyed
	s.mu.Unlock()
	if !joined || e == nil {
		return nil
	}
	return e.SetMicrophoneEnabled(ctx, on)
}

func (s *Session) SetSpeakerRouting(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.speaker = &on
	e, joined := s.engine, s.joined && !s.destroyed
	s.mu.Unlock()
	if !joined || e == nil {
		return nil
	}
	return e.SetSpeakerRouting(ctx, on)
}

// Destroy leaves the room if joined. Later calls are no-ops.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	e, joined := s.engine, s.joined
	s.engine = nil
	s.mu.Unlock()

	if e != nil && joined {
		return e.LeaveRoom(ctx)
	}
	return nil
}
