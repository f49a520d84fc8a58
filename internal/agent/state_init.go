package agent

import (
	"github.com/ihiteshgupta/update-agent/internal/state"
)

// handleInit starts a fresh session by requesting authorization.
func handleInit(c *Client, cx *Context) state.Result {
	cx.Clear()

	req, err := c.backend.AuthRequest()
	if ferr := c.setState(state.TriggerAuthRequested); ferr != nil {
		return c.violation(ferr)
	}
	if err != nil {
		return c.retryLater(failAuth, err)
	}

	c.log.Info("requesting authorization")
	c.send(req)
	return state.AwaitEvent
}
