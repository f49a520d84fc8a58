package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with the agent transition graph.
// Only the edges configured here can be taken; in particular Authorized is
// reachable from the unauthenticated side of the graph through Auth_wait only.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Init.
func NewMachine() *Machine {
	return NewMachineFrom(StateInit)
}

// NewMachineFrom creates a state machine positioned at initial. It exists for
// tests that exercise a single state; the agent always starts in Init.
func NewMachineFrom(initial State) *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(initial)

	// Init only ever starts an authorization round
	sm.Configure(StateInit).
		Permit(TriggerAuthRequested, StateAuthWait)

	sm.Configure(StateAuthWait).
		Permit(TriggerAuthGranted, StateAuthorized).
		Permit(TriggerAuthRejected, StateInit).
		Permit(TriggerReset, StateInit)

	sm.Configure(StateAuthorized).
		Permit(TriggerCheckDue, StateUpdateCheck).
		Permit(TriggerAuthRejected, StateInit).
		Permit(TriggerReset, StateInit)

	sm.Configure(StateUpdateCheck).
		Permit(TriggerNoUpdate, StateAuthorized).
		Permit(TriggerUpdateFound, StateUpdateFetch).
		Permit(TriggerAuthRejected, StateInit).
		Permit(TriggerReset, StateInit)

	sm.Configure(StateUpdateFetch).
		Permit(TriggerUpdateInstalled, StateAuthorized).
		Permit(TriggerFetchAbandoned, StateUpdateCheck).
		Permit(TriggerAuthRejected, StateInit).
		Permit(TriggerReset, StateInit)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}
