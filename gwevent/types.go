// Package gwevent defines the small vocabulary shared between the I/O task,
// the processor, and the connection facade: connection-state transitions,
// the outward-facing Event union, and the internal Request/Response pair
// used to correlate a submission with its reply.
package gwevent

import "gwsession/wire"

// ConnState is a control-channel notification of a connection-state
// transition, emitted by the processor on behalf of the I/O task.
type ConnState int

const (
	// Connected is emitted once a TLS stream has been established.
	Connected ConnState = iota
	// Disconnected is emitted when the stream is torn down, whether by
	// cancellation, a transport error, or a liveness-watchdog failure.
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Kind distinguishes the two variants of Event.
type Kind int

const (
	// KindMessage wraps an unsolicited wire message (no correlation id).
	KindMessage Kind = iota
	// KindControl wraps a connection-state transition.
	KindControl
)

// Event is what Listen returns: either an unsolicited wire message or a
// control-state transition. Exactly one of Message/State is meaningful,
// selected by Kind.
type Event struct {
	Kind    Kind
	Message *wire.Message
	State   ConnState
}

// MessageEvent wraps an unsolicited wire message as an Event.
func MessageEvent(m *wire.Message) Event {
	return Event{Kind: KindMessage, Message: m}
}

// ControlEvent wraps a connection-state transition as an Event.
func ControlEvent(s ConnState) Event {
	return Event{Kind: KindControl, State: s}
}

// Response is what arrives on a Request's reply channel on a successful
// reply. A request abandoned by disconnect is instead signalled by the
// channel being closed with no value sent — see processor.OnDisconnected.
type Response struct {
	Message *wire.Message
}

// MessageResponse wraps a successful reply.
func MessageResponse(m *wire.Message) Response {
	return Response{Message: m}
}

// Request is a submission to the I/O task: a wire message plus an optional
// single-shot reply channel. A nil ReplyTo means fire-and-forget.
type Request struct {
	Message *wire.Message
	ReplyTo chan Response
}
