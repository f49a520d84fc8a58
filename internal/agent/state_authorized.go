package agent

import (
	"github.com/ihiteshgupta/update-agent/internal/state"
)

// handleAuthorized decides whether an update check is due.
func handleAuthorized(c *Client, cx *Context) state.Result {
	if _, err := c.consume(); err != nil {
		return c.violation(err)
	}
	cx.ResetBackoff()

	if c.token() == "" {
		c.log.Warn("session has no token, re-authorizing")
		if err := c.setState(state.TriggerAuthRejected); err != nil {
			return c.violation(err)
		}
		return state.GoNext
	}

	now := c.clock.Now()
	next := cx.LastUpdate.Add(c.checkInterval)

	// A last update in the future means the clock was stepped back.
	if cx.LastUpdate.IsZero() || cx.LastUpdate.After(now) || !now.Before(next) {
		if err := c.setState(state.TriggerCheckDue); err != nil {
			return c.violation(err)
		}
		return state.GoNext
	}

	cx.Delay = next.Sub(now)
	cx.armDelay()
	return state.DelayedNext
}
