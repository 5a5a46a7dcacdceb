package call

import "github.com/shrey2343/researcher-rtc/model"

// Signaler is the only surface the call package needs from the realtime
// layer. *transport.Client satisfies it.
type Signaler interface {
	Send(model.Event) error
	Subscribe() (ch chan model.Event, cancel func())
	Connected() bool
}

// State is the explicit call lifecycle state. A session holds exactly one
// state at a time, so combinations like "calling while receiving" cannot be
// represented.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateReceiving
	StateAccepted
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateReceiving:
		return "receiving"
	case StateAccepted:
		return "accepted"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// EndReason says why a session reached StateEnded.
type EndReason string

const (
	EndReasonLocal      EndReason = "local-end"
	EndReasonRemote     EndReason = "remote-end"
	EndReasonRejected   EndReason = "rejected"
	EndReasonMediaError EndReason = "media-error"
	EndReasonTimeout    EndReason = "ring-timeout"
)

// IncomingCall describes a ringing inbound call. Accept and Reject resolve
// it; exactly one of them should be called.
type IncomingCall struct {
	CallID     string
	From       string
	CallerName string
	CallType   model.CallType
}
