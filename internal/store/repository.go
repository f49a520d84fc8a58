package store

import (
	"context"
	"errors"
	"time"

	"github.com/ihiteshgupta/update-agent/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// CredentialRepository defines operations for session token persistence.
type CredentialRepository interface {
	Token(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// StateRepository defines operations for state persistence.
type StateRepository interface {
	GetState(ctx context.Context) (state.State, error)
	SaveState(ctx context.Context, s state.State) error
	LastUpdate(ctx context.Context) (time.Time, error)
	SaveLastUpdate(ctx context.Context, t time.Time) error
	Snapshot(ctx context.Context) (*AgentState, error)
	LogTransition(ctx context.Context, from, to state.State, trigger, cause string) error
	GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error)
}
