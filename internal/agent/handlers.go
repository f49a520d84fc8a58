package agent

import (
	"github.com/ihiteshgupta/update-agent/internal/state"
)

// Failure kinds reported to the Observer.
const (
	failAuth  = "auth"
	failCheck = "check"
	failFetch = "fetch"
)

type handlerFunc func(c *Client, cx *Context) state.Result

// handlers maps every state to its behavior. States carry no data of their
// own; everything they need lives in the Context.
var handlers = map[state.State]handlerFunc{
	state.StateInit:        handleInit,
	state.StateAuthWait:    handleAuthWait,
	state.StateAuthorized:  handleAuthorized,
	state.StateUpdateCheck: handleUpdateCheck,
	state.StateUpdateFetch: handleUpdateFetch,
}
