package state

// Result tells the driver how to continue after a state has been handled.
type Result int

const (
	// GoNext asks the driver to handle the (possibly new) current state
	// again without waiting for an event.
	GoNext Result = iota
	// AwaitEvent means a request or install is outstanding; the driver must
	// wait for its response before handling again.
	AwaitEvent
	// DelayedNext means the context timer has been armed and the state
	// expects to be handled again when it fires.
	DelayedNext
)

func (r Result) String() string {
	switch r {
	case GoNext:
		return "GO_NEXT"
	case AwaitEvent:
		return "AWAIT_EVENT"
	case DelayedNext:
		return "DELAYED_NEXT"
	default:
		return "unknown"
	}
}
