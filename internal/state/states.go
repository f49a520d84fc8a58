// Package state provides the finite state machine for the update agent lifecycle.
package state

// State identifies one phase of the authorization/update lifecycle.
type State string

const (
	StateInit        State = "Init"
	StateAuthWait    State = "Auth_wait"
	StateAuthorized  State = "Authorized"
	StateUpdateCheck State = "Update_check"
	StateUpdateFetch State = "Update_fetch"
)

// All returns every state in lifecycle order.
func All() []State {
	return []State{StateInit, StateAuthWait, StateAuthorized, StateUpdateCheck, StateUpdateFetch}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Name returns the human-readable name used in logs.
func (s State) Name() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateInit, StateAuthWait, StateAuthorized, StateUpdateCheck, StateUpdateFetch:
		return true
	default:
		return false
	}
}

// HasSession returns true if the state can only be reached with a granted token.
func (s State) HasSession() bool {
	switch s {
	case StateAuthorized, StateUpdateCheck, StateUpdateFetch:
		return true
	default:
		return false
	}
}
