package media

import "context"

// Container is an opaque handle to the presentation surface the media
// engine renders into. The empty Container means none is mounted.
type Container string

// Engine is one participant's connection to a media room.
type Engine interface {
	JoinRoom(ctx context.Context, c Container) error
	LeaveRoom(ctx context.Context) error
	SetMicrophoneEnabled(ctx context.Context, on bool) error
	SetSpeakerRouting(ctx context.Context, on bool) error
}

// Hooks are invoked by an Engine when the room ends underneath it.
// OnLeave fires when the local user leaves (or is dropped).
// OnRemoteLeave fires when every remote participant has left.
type Hooks struct {
	OnLeave       func()
	OnRemoteLeave func()
}

// EngineFactory creates an Engine bound to credentials. Creation may block.
type EngineFactory interface {
	NewEngine(ctx context.Context, creds Credentials, hooks Hooks) (Engine, error)
}
