package agent

import (
	"fmt"

	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// handleUpdateCheck asks the server for the next deployment.
func handleUpdateCheck(c *Client, cx *Context) state.Result {
	resp, err := c.consume(transport.KindCheck)
	if err != nil {
		return c.violation(err)
	}

	if resp == nil {
		if cx.Waiting() {
			return state.AwaitEvent
		}
		token := c.token()
		if token == "" {
			return rejectSession(c, fmt.Errorf("%w: no stored token", ErrAuthRejected))
		}
		req, err := c.backend.CheckRequest(token, c.installer.Installed())
		if err != nil {
			return c.retryLater(failCheck, err)
		}
		c.send(req)
		return state.AwaitEvent
	}

	if err := classify(resp); err != nil {
		if isAuthRejected(err) {
			return rejectSession(c, err)
		}
		return c.retryLater(failCheck, err)
	}

	u, err := c.backend.ParseUpdate(resp)
	if err != nil {
		return c.retryLater(failCheck, fmt.Errorf("%w: %v", ErrTransient, err))
	}

	c.markChecked(c.clock.Now())
	cx.ResetBackoff()

	if u == nil || u.ID == cx.Abandoned {
		if u != nil {
			c.log.Info("skipping abandoned deployment", "deployment", u.ID)
		}
		if err := c.setState(state.TriggerNoUpdate); err != nil {
			return c.violation(err)
		}
		cx.Delay = c.checkInterval
		cx.armDelay()
		return state.DelayedNext
	}

	c.log.Info("update available", "deployment", u.ID, "artifact", u.ArtifactName)
	cx.Update = u
	cx.FetchAttempts = 0
	if err := c.setState(state.TriggerUpdateFound); err != nil {
		return c.violation(err)
	}
	return state.GoNext
}

// rejectSession drops credentials after the server refused the token.
func rejectSession(c *Client, err error) state.Result {
	c.observer.ObserveFailure(failAuth)
	c.log.Warn("session rejected, re-authorizing", "state", c.CurrentState(), "error", err)
	if ferr := c.dropSession(err); ferr != nil {
		return c.violation(ferr)
	}
	return state.GoNext
}
