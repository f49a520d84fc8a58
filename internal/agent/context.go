package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ihiteshgupta/update-agent/internal/backend"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// BackoffPolicy configures the retry delay growth shared by all states.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

type pendingRequest struct {
	id     uint64
	kind   transport.Kind
	cancel context.CancelFunc
}

// Context is the scratchpad shared by all states of one client. Only the
// current state and the driver touch it, and never concurrently.
type Context struct {
	// Response is the reply to the pending request, set by the driver.
	Response *transport.Response
	// Timer is the single retry/poll/safety timer.
	Timer Timer
	// Delay is the current wait; never negative.
	Delay time.Duration
	// LastUpdate is the time of the last successful update check. It
	// survives Clear.
	LastUpdate time.Time

	// Update is the deployment being fetched by Update_fetch.
	Update *backend.Update
	// FetchAttempts counts consecutive failed fetch/install attempts.
	FetchAttempts int
	// Abandoned is the deployment given up on after too many attempts; it
	// is not offered to Update_fetch again.
	Abandoned string

	pending *pendingRequest
	backoff *backoff.ExponentialBackOff
	// step is the last delay handed out by Backoff.
	step time.Duration
}

// NewContext creates a context using timer and the given backoff policy.
func NewContext(timer Timer, policy BackoffPolicy) *Context {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.Initial
	bo.MaxInterval = policy.Max
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = policy.Jitter
	bo.MaxElapsedTime = 0 // Never stop based on elapsed time
	bo.Reset()

	return &Context{
		Timer:   timer,
		backoff: bo,
	}
}

// Clear drops the response and any pending request, stops the timer and
// zeroes the delay. LastUpdate is kept. The backoff progression is kept too
// so that repeated authorization rounds keep backing off.
func (c *Context) Clear() {
	c.Response = nil
	c.Timer.Stop()
	c.Delay = 0
	c.Update = nil
	c.FetchAttempts = 0
	c.dropPending()
}

// Backoff advances the delay to the next backoff step and returns it. Steps
// never shrink and never exceed the maximum, jitter or not.
func (c *Context) Backoff() time.Duration {
	next := c.backoff.NextBackOff()
	if next == backoff.Stop || next > c.backoff.MaxInterval {
		next = c.backoff.MaxInterval
	}
	if next < c.step {
		next = c.step
	}
	c.step = next
	c.Delay = next
	return next
}

// ResetBackoff restarts the backoff progression and zeroes the delay.
func (c *Context) ResetBackoff() {
	c.backoff.Reset()
	c.step = 0
	c.Delay = 0
}

// Waiting reports whether a request or install is outstanding.
func (c *Context) Waiting() bool {
	return c.pending != nil
}

// armDelay arms the timer for the current delay.
func (c *Context) armDelay() {
	c.Timer.Arm(c.Delay)
}

func (c *Context) dropPending() {
	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}
}
