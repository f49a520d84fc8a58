package agent

import (
	"fmt"

	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// handleAuthWait waits for the authorization response and stores the token.
func handleAuthWait(c *Client, cx *Context) state.Result {
	resp, err := c.consume(transport.KindAuth)
	if err != nil {
		return c.violation(err)
	}

	if resp == nil {
		if cx.Waiting() {
			return state.AwaitEvent
		}
		req, err := c.backend.AuthRequest()
		if err != nil {
			return c.retryLater(failAuth, err)
		}
		c.send(req)
		return state.AwaitEvent
	}

	if err := classify(resp); err != nil {
		if isAuthRejected(err) {
			c.observer.ObserveFailure(failAuth)
			if ferr := c.dropSession(err); ferr != nil {
				return c.violation(ferr)
			}
			// Init re-authorizes once the timer fires.
			delay := cx.Backoff()
			cx.armDelay()
			c.log.Warn("authorization rejected", "delay", delay, "error", err)
			return state.DelayedNext
		}
		return c.retryLater(failAuth, err)
	}

	token, err := c.backend.ParseAuth(resp)
	if err != nil {
		return c.retryLater(failAuth, fmt.Errorf("%w: %v", ErrTransient, err))
	}
	if err := c.creds.SaveToken(c.ctx, token); err != nil {
		return c.retryLater(failAuth, err)
	}

	cx.ResetBackoff()
	if err := c.setState(state.TriggerAuthGranted); err != nil {
		return c.violation(err)
	}
	c.log.Info("device authorized")
	return state.GoNext
}
