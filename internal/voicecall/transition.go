package voicecall

// Event is an input to the transition table. Broadcast signals and record
// changes are distinct events so either source can drive the same edge.
type Event string

const (
	EvStart          Event = "start"
	EvIncoming       Event = "incoming"
	EvLocalAnswer    Event = "local_answer"
	EvLocalDecline   Event = "local_decline"
	EvLocalEnd       Event = "local_end"
	EvRemoteAnswered Event = "remote_answered"
	EvRemoteDeclined Event = "remote_declined"
	EvRemoteEnded    Event = "remote_ended"
	EvRemoteMissed   Event = "remote_missed"
	EvRecordOngoing  Event = "record_ongoing"
	EvRecordEnded    Event = "record_ended"
	EvRecordDeclined Event = "record_declined"
	EvRecordMissed   Event = "record_missed"
	EvTimeout        Event = "timeout"
	EvMediaLeft      Event = "media_left"
	EvFailure        Event = "failure"
	EvReset          Event = "reset"
)

var transitions = map[Status]map[Event]Status{
	StatusIdle: {
		EvStart:    StatusCalling,
		EvIncoming: StatusRinging,
	},
	// The caller stays in calling while the callee rings.
	StatusCalling: {
		EvRemoteAnswered: StatusOngoing,
		EvRecordOngoing:  StatusOngoing,
		EvRemoteDeclined: StatusDeclined,
		EvRecordDeclined: StatusDeclined,
		EvRemoteEnded:    StatusEnded,
		EvRecordEnded:    StatusEnded,
		EvRemoteMissed:   StatusMissed,
		EvRecordMissed:   StatusMissed,
		EvTimeout:        StatusMissed,
		EvLocalEnd:       StatusEnded,
		EvFailure:        StatusIdle,
		EvReset:          StatusIdle,
	},
	StatusRinging: {
		EvLocalAnswer:    StatusOngoing,
		EvLocalDecline:   StatusDeclined,
		EvRecordDeclined: StatusDeclined,
		EvRemoteEnded:    StatusEnded,
		EvRecordEnded:    StatusEnded,
		EvRemoteMissed:   StatusMissed,
		EvRecordMissed:   StatusMissed,
		EvTimeout:        StatusMissed,
		EvFailure:        StatusIdle,
		EvReset:          StatusIdle,
	},
	StatusOngoing: {
		EvLocalEnd:       StatusEnded,
		EvRemoteEnded:    StatusEnded,
		EvRecordEnded:    StatusEnded,
		EvRecordDeclined: StatusEnded,
		EvRemoteMissed:   StatusEnded,
		EvRecordMissed:   StatusEnded,
		EvMediaLeft:      StatusEnded,
		EvFailure:        StatusIdle,
		EvReset:          StatusIdle,
	},
	StatusEnded:    {EvReset: StatusIdle},
	StatusDeclined: {EvReset: StatusIdle},
	StatusMissed:   {EvReset: StatusIdle},
}

// Transition is the pure state table. ok is false when ev has no edge from
// from; callers treat that as a no-op.
func Transition(from Status, ev Event) (Status, bool) {
	next, ok := transitions[from][ev]
	return next, ok
}
