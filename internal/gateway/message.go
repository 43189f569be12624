package gateway

import (
	"encoding/json"
	"errors"
)

// Message is the WebSocket envelope in both directions. ID is set on device
// requests and echoed by the matching reply.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server.
const (
	TypeCallStart       = "call.start"
	TypeCallAnswer      = "call.answer"
	TypeCallDecline     = "call.decline"
	TypeCallEnd         = "call.end"
	TypeCallMute        = "call.mute"
	TypeCallSpeaker     = "call.speaker"
	TypeContainerReady  = "container.ready"
	TypeContainerDetach = "container.detach"
	TypeMediaLeft       = "media.left"
	TypeMediaRemoteLeft = "media.remote_left"
	TypeReply           = "reply"
)

// Server to client. Everything except state, alert and error expects a reply.
const (
	TypeState = "state"
	TypeAlert = "alert"
	TypeError = "error"

	TypeAudioPlay     = "audio.play"
	TypeAudioStop     = "audio.stop"
	TypeVibrate       = "haptics.vibrate"
	TypeVibrateCancel = "haptics.cancel"
	TypeNotifyShow    = "notify.show"
	TypeNotifyDismiss = "notify.dismiss"
	TypeMicRequest    = "mic.request"
	TypeMediaJoin     = "media.join"
	TypeMediaLeave    = "media.leave"
	TypeMediaMic      = "media.mic"
	TypeMediaSpeaker  = "media.speaker"
)

var (
	ErrClientClosed   = errors.New("gateway: client closed")
	ErrSendBufferFull = errors.New("gateway: client send buffer full")
	ErrDeviceRejected = errors.New("gateway: device rejected request")
	ErrUnknownType    = errors.New("gateway: unknown message type")
	ErrBadPayload     = errors.New("gateway: bad payload")
)

type ReplyPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type StartPayload struct {
	ReceiverID   string `json:"receiver_id"`
	ReceiverName string `json:"receiver_name,omitempty"`
	ReceiverType string `json:"receiver_type,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
}

type ContainerPayload struct {
	Container string `json:"container"`
}

type TonePayload struct {
	Tone string `json:"tone"`
}

type VibratePayload struct {
	PatternMS []int64 `json:"pattern_ms"`
}

type TagPayload struct {
	Tag string `json:"tag"`
}

type TogglePayload struct {
	On bool `json:"on"`
}

type AlertPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Action string `json:"action,omitempty"`
	Error  string `json:"error"`
}

func encode(typ, id string, payload any) ([]byte, error) {
	msg := Message{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

func decode(msg Message, v any) error {
	if len(msg.Payload) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	return nil
}
