package agent

import (
	"errors"
	"fmt"

	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// handleUpdateFetch downloads the offered artifact and hands it to the
// installer.
func handleUpdateFetch(c *Client, cx *Context) state.Result {
	if cx.Update == nil {
		return c.violation(fmt.Errorf("%w: %s without a deployment", ErrInvariant, state.StateUpdateFetch))
	}

	resp, err := c.consume(transport.KindDownload, transport.KindInstall)
	if err != nil {
		return c.violation(err)
	}

	if resp == nil {
		if cx.Waiting() {
			return state.AwaitEvent
		}
		req, err := c.backend.DownloadRequest(cx.Update)
		if err != nil {
			return fetchFailed(c, cx, err)
		}
		c.log.Info("downloading artifact", "deployment", cx.Update.ID, "attempt", cx.FetchAttempts+1)
		c.send(req)
		return state.AwaitEvent
	}

	if err := classify(resp); err != nil {
		if isAuthRejected(err) {
			return rejectSession(c, err)
		}
		return fetchFailed(c, cx, err)
	}

	if resp.Kind == transport.KindDownload {
		c.install(&Artifact{
			DeploymentID: cx.Update.ID,
			Name:         cx.Update.ArtifactName,
			Path:         resp.Path,
			Checksum:     cx.Update.Checksum,
		})
		return state.AwaitEvent
	}

	c.observer.ObserveInstall(true)
	c.log.Info("update installed", "deployment", cx.Update.ID, "artifact", cx.Update.ArtifactName)

	cx.Update = nil
	cx.FetchAttempts = 0
	cx.ResetBackoff()
	if err := c.setState(state.TriggerUpdateInstalled); err != nil {
		return c.violation(err)
	}
	return state.GoNext
}

// fetchFailed retries the deployment with backoff until it has failed
// max_fetch_attempts times in a row, then gives up on it.
func fetchFailed(c *Client, cx *Context, err error) state.Result {
	if errors.Is(err, ErrInstall) {
		c.observer.ObserveInstall(false)
	}

	cx.FetchAttempts++
	if cx.FetchAttempts < c.maxFetchAttempts {
		return c.retryLater(failFetch, err)
	}

	c.observer.ObserveFailure(failFetch)
	c.log.Error("abandoning deployment", "deployment", cx.Update.ID, "attempts", cx.FetchAttempts, "error", err)

	cx.Abandoned = cx.Update.ID
	cx.Update = nil
	cx.FetchAttempts = 0
	cx.ResetBackoff()
	if ferr := c.setState(state.TriggerFetchAbandoned); ferr != nil {
		return c.violation(ferr)
	}
	return state.GoNext
}
