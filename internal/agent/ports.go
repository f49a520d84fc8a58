package agent

import (
	"context"
	"time"

	"github.com/ihiteshgupta/update-agent/internal/backend"
	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// Transport executes a request. It may block; the driver calls it off the
// dispatch goroutine.
type Transport interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Backend builds requests for and parses responses from the management server.
type Backend interface {
	AuthRequest() (*transport.Request, error)
	ParseAuth(resp *transport.Response) (string, error)
	CheckRequest(token, artifactName string) (*transport.Request, error)
	ParseUpdate(resp *transport.Response) (*backend.Update, error)
	DownloadRequest(u *backend.Update) (*transport.Request, error)
}

// CredentialStore persists the session token. Token returns "" with a nil
// error or any error when no token is stored.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Artifact is a downloaded update ready for installation.
type Artifact struct {
	DeploymentID string
	Name         string
	Path         string
	Checksum     string
}

// Installer applies artifacts. Install may block; it runs off the dispatch
// goroutine and must honour ctx.
type Installer interface {
	Install(ctx context.Context, a *Artifact) error
	Installed() string
}

// Recorder persists state for observability and restarts.
type Recorder interface {
	SaveState(ctx context.Context, s state.State) error
	LogTransition(ctx context.Context, from, to state.State, trigger, cause string) error
	LastUpdate(ctx context.Context) (time.Time, error)
	SaveLastUpdate(ctx context.Context, t time.Time) error
}

// Observer receives counters and gauges for health reporting.
type Observer interface {
	ObserveFailure(kind string)
	ObserveInstall(ok bool)
	ObserveViolation(err error)
	ObserveDelay(d time.Duration)
	ObserveCheck(at time.Time)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopObserver struct{}

func (nopObserver) ObserveFailure(string) {}

func (nopObserver) ObserveInstall(bool) {}

func (nopObserver) ObserveViolation(error) {}

func (nopObserver) ObserveDelay(time.Duration) {}

func (nopObserver) ObserveCheck(time.Time) {}
