package agent

import (
	"time"

	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// EventType represents the type of driver event.
type EventType int

const (
	EventResponse EventType = iota
	EventTimer
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventResponse:
		return "response"
	case EventTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Event is something the driver dispatches into the current state.
type Event struct {
	Type      EventType
	Response  *transport.Response
	Gen       uint64
	Timestamp time.Time
}

// NewResponseEvent wraps a completed request.
func NewResponseEvent(resp *transport.Response) Event {
	return Event{Type: EventResponse, Response: resp, Timestamp: time.Now()}
}

// NewTimerEvent reports that the timer armed as generation gen fired.
func NewTimerEvent(gen uint64) Event {
	return Event{Type: EventTimer, Gen: gen, Timestamp: time.Now()}
}
