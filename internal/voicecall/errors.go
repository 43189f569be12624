package voicecall

import "errors"

var (
	ErrBusy           = errors.New("voicecall: another call is in progress")
	ErrNoPendingCall  = errors.New("voicecall: no pending call")
	ErrNotInCall      = errors.New("voicecall: not in a call")
	ErrMicrophone     = errors.New("voicecall: microphone unavailable")
	ErrService        = errors.New("voicecall: call service unavailable")
	ErrCancelled      = errors.New("voicecall: call no longer active")
	ErrInvalidRequest = errors.New("voicecall: invalid request")
	ErrClosed         = errors.New("voicecall: leg closed")
)

// User-facing alert copy.
const (
	alertMicTitle    = "Microphone Required"
	alertMicBody     = "Please allow microphone access to make calls."
	alertFailedTitle = "Call Failed"
	alertFailedBody  = "Could not start the call. Please try again."
	alertAnswerBody  = "Could not connect the call. Please try again."
	alertBusyBody    = "You are already on another call."
	alertErrorTitle  = "Call Error"
	alertErrorBody   = "Lost connection to the call audio."
)
