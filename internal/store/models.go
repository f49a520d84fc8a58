// Package store provides data persistence for the update agent.
package store

import (
	"time"

	"github.com/ihiteshgupta/update-agent/internal/state"
)

// Transition represents a state machine transition record.
type Transition struct {
	ID        int64       `json:"id"`
	FromState state.State `json:"from_state"`
	ToState   state.State `json:"to_state"`
	Trigger   string      `json:"trigger"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// AgentState is the persisted snapshot of the agent.
type AgentState struct {
	State      state.State `json:"state"`
	LastUpdate time.Time   `json:"last_update"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
