package voicecall

// Status is a call leg's presentation state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusCalling  Status = "calling"
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
)

// IsTerminal reports whether s is shown for the grace period before idle.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// State is the observable snapshot of a leg.
//
// CallerType and CallerName always describe the remote party, for both
// outgoing and incoming calls. Duration counts whole seconds spent ongoing.
type State struct {
	Status     Status `json:"status"`
	CallID     string `json:"call_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	Duration   int    `json:"duration"`
	IsMuted    bool   `json:"is_muted"`
	IsSpeaker  bool   `json:"is_speaker"`
	CallerType string `json:"caller_type,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
	Incoming   bool   `json:"incoming"`
}

func idleState() State { return State{Status: StatusIdle} }
