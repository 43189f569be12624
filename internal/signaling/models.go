package signaling

import (
	"encoding/json"
	"errors"
)

// Events carried on the per-user and per-call topics.
const (
	EventIncomingCall = "incoming-call"

	EventRinging  = "call-ringing"
	EventAnswered = "call-answered"
	EventDeclined = "call-declined"
	EventEnded    = "call-ended"
)

// ReasonMissed marks a call-ended sent because the caller's ring timer fired.
const ReasonMissed = "missed"

var ErrInvalidMessage = errors.New("signaling: invalid message")

// Message is the envelope published on a topic.
// From identifies the sending leg so a channel can drop its own echoes.
type Message struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrInvalidMessage
	}
	return json.Unmarshal(m.Payload, v)
}

// IncomingCall is published on the receiver's incoming-call topic.
// CallerName and CallerType describe the dialing party.
type IncomingCall struct {
	CallID     string `json:"call_id"`
	RoomID     string `json:"room_id"`
	ChatID     string `json:"chat_id,omitempty"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallerType string `json:"caller_type"`
}

func (c IncomingCall) Validate() error {
	if c.CallID == "" || c.RoomID == "" || c.CallerID == "" {
		return ErrInvalidMessage
	}
	return nil
}

// CallSignal is the payload of every per-call event.
type CallSignal struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

func IncomingTopic(userID string) string { return "incoming-call-" + userID }

func CallTopic(callID string) string { return "voice-call-" + callID }
