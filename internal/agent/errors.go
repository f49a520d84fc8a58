package agent

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ihiteshgupta/update-agent/internal/transport"
)

var (
	// ErrTransient covers network errors, timeouts, 5xx and malformed
	// payloads. States recover from it by backing off.
	ErrTransient = errors.New("transient failure")
	// ErrRequestTimeout is reported when the safety timer fires before a
	// request completes.
	ErrRequestTimeout = fmt.Errorf("%w: request timed out", ErrTransient)
	// ErrAuthRejected means the server refused the device or its token.
	ErrAuthRejected = errors.New("authorization rejected")
	// ErrInstall is an installer failure for a downloaded artifact.
	ErrInstall = errors.New("install failed")
	// ErrInvariant marks a programming defect in the state machine, as
	// opposed to a protocol failure.
	ErrInvariant = errors.New("invariant violation")
)

// classify maps a response onto the error taxonomy; nil means success.
func classify(resp *transport.Response) error {
	switch {
	case resp.Err != nil:
		if errors.Is(resp.Err, ErrTransient) || errors.Is(resp.Err, ErrInstall) {
			return resp.Err
		}
		return fmt.Errorf("%w: %v", ErrTransient, resp.Err)
	case resp.OK():
		return nil
	case isAuthStatus(resp.Status) && resp.Kind != transport.KindInstall:
		return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.Status)
	default:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.Status)
	}
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
