// Package agent drives the update agent state machine: it owns the current
// state and the shared Context, dispatches responses and timer expiries into
// the current state, and runs requests and installs off the dispatch loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ihiteshgupta/update-agent/internal/config"
	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

// Deps are the collaborators the client drives.
type Deps struct {
	Transport   Transport
	Backend     Backend
	Credentials CredentialStore
	Installer   Installer

	// Optional
	Machine  *state.Machine
	Recorder Recorder
	Observer Observer
	Clock    Clock
	Timer    Timer
	Logger   *slog.Logger
}

// Client is the driver of the agent state machine. All dispatching happens
// on the goroutine calling Start, ProcessNext or Run; Stop may be called from
// any goroutine.
type Client struct {
	machine *state.Machine
	cx      *Context

	transport Transport
	backend   Backend
	creds     CredentialStore
	installer Installer
	recorder  Recorder
	observer  Observer
	clock     Clock
	log       *slog.Logger

	requestTimeout   time.Duration
	downloadTimeout  time.Duration
	installTimeout   time.Duration
	checkInterval    time.Duration
	maxFetchAttempts int

	events  chan Event
	nextID  uint64
	started bool
	// cause is the error behind the transition being fired, if any.
	cause error

	// dispatchMu is held while a state is being handled.
	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client positioned in Init, or wherever deps.Machine is.
func NewClient(cfg *config.Config, deps Deps) *Client {
	return newClient(cfg, deps, state.StateInit)
}

func newClient(cfg *config.Config, deps Deps, initial state.State) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	machine := deps.Machine
	if machine == nil {
		machine = state.NewMachineFrom(initial)
	}

	c := &Client{
		machine:          machine,
		transport:        deps.Transport,
		backend:          deps.Backend,
		creds:            deps.Credentials,
		installer:        deps.Installer,
		recorder:         deps.Recorder,
		observer:         deps.Observer,
		clock:            deps.Clock,
		log:              deps.Logger,
		requestTimeout:   cfg.RequestTimeout,
		downloadTimeout:  cfg.DownloadTimeout,
		installTimeout:   cfg.InstallTimeout,
		checkInterval:    cfg.CheckInterval,
		maxFetchAttempts: cfg.MaxFetchAttempts,
		events:           make(chan Event, 16),
		ctx:              ctx,
		cancel:           cancel,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "agent")

	timer := deps.Timer
	if timer == nil {
		timer = newEventTimer(func(gen uint64) { c.post(NewTimerEvent(gen)) })
	}
	c.cx = NewContext(timer, BackoffPolicy{
		Initial:    cfg.BackoffInitial,
		Max:        cfg.BackoffMax,
		Multiplier: cfg.BackoffMultiplier,
		Jitter:     cfg.BackoffJitter,
	})

	c.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		c.log.Info("state transition", "from", from, "to", to, "trigger", trigger)

		if c.recorder == nil {
			return
		}
		if err := c.recorder.SaveState(ctx, to); err != nil {
			c.log.Error("failed to save state", "error", err)
		}
		var cause string
		if c.cause != nil {
			cause = c.cause.Error()
		}
		if err := c.recorder.LogTransition(ctx, from, to, string(trigger), cause); err != nil {
			c.log.Error("failed to log transition", "error", err)
		}
	})

	return c
}

// Machine exposes the transition graph so observers can subscribe to it.
func (c *Client) Machine() *state.Machine {
	return c.machine
}

// CurrentState returns the current state.
func (c *Client) CurrentState() state.State {
	return c.machine.MustState()
}

// Context returns the shared context. It must only be read from the
// dispatching goroutine.
func (c *Client) Context() *Context {
	return c.cx
}

// Start restores the last update time and handles the initial state.
// Calling it again has no effect.
func (c *Client) Start() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if c.started {
		return
	}
	c.started = true

	if c.recorder != nil {
		last, err := c.recorder.LastUpdate(c.ctx)
		if err != nil {
			c.log.Warn("failed to restore last update time", "error", err)
		} else if !last.IsZero() {
			c.cx.LastUpdate = last
			c.observer.ObserveCheck(last)
		}
	}
	c.dispatch()
}

// Run starts the client and dispatches events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.Start()
	for {
		if err := c.ProcessNext(ctx); err != nil {
			return err
		}
	}
}

// ProcessNext waits for one event and dispatches it. It returns once ctx is
// done or the client is stopped.
func (c *Client) ProcessNext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	case evt := <-c.events:
		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()
		c.handleEvent(evt)
		return nil
	}
}

// Stop ends Run, abandons outstanding work and waits for it to exit, then
// disarms the timer.
func (c *Client) Stop() {
	c.cancel()
	c.wg.Wait()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.cx.Clear()
}

func (c *Client) handleEvent(evt Event) {
	switch evt.Type {
	case EventResponse:
		c.OnResponse(evt.Response)
	case EventTimer:
		c.OnTimer(evt.Gen)
	default:
		c.log.Warn("unknown event", "type", evt.Type)
	}
}

// OnResponse delivers the outcome of a request. Responses that do not match
// the pending request are stale and dropped.
func (c *Client) OnResponse(resp *transport.Response) {
	p := c.cx.pending
	if p == nil || resp.ID != p.id {
		c.log.Debug("discarding stale response", "id", resp.ID, "kind", resp.Kind, "state", c.CurrentState())
		return
	}
	c.cx.pending = nil
	c.cx.Timer.Stop()
	c.cx.Response = resp
	c.dispatch()
}

// OnTimer handles expiry of the timer armed as generation gen. If a request
// is still outstanding the timer was its safety timer and the request is
// failed with ErrRequestTimeout.
func (c *Client) OnTimer(gen uint64) {
	cur, armed := c.cx.Timer.Pending()
	if !armed || cur != gen {
		c.log.Debug("discarding stale timer", "gen", gen, "current", cur)
		return
	}
	c.cx.Timer.Stop()

	if p := c.cx.pending; p != nil {
		c.log.Warn("request timed out", "kind", p.kind, "state", c.CurrentState())
		c.cx.dropPending()
		c.cx.Response = transport.Failed(p.id, p.kind, ErrRequestTimeout)
	}
	c.dispatch()
}

// dispatch handles the current state until it asks to wait.
func (c *Client) dispatch() {
	limit := len(state.All())
	for steps := 0; ; steps++ {
		if steps > limit {
			c.violation(fmt.Errorf("%w: %d consecutive GO_NEXT results", ErrInvariant, steps))
			return
		}
		if c.handle() != state.GoNext {
			c.observer.ObserveDelay(c.cx.Delay)
			return
		}
	}
}

func (c *Client) handle() state.Result {
	s := c.CurrentState()
	h, ok := handlers[s]
	if !ok {
		return c.violation(fmt.Errorf("%w: no handler for state %q", ErrInvariant, s))
	}
	res := h(c, c.cx)
	c.log.Debug("handled state", "state", s, "result", res, "delay", c.cx.Delay)
	return res
}

// setState takes the edge named by trigger.
func (c *Client) setState(trigger state.Trigger) error {
	return c.setStateCause(trigger, nil)
}

// setStateCause takes the edge named by trigger and records cause with it.
func (c *Client) setStateCause(trigger state.Trigger, cause error) error {
	c.cause = cause
	defer func() { c.cause = nil }()
	if err := c.machine.Fire(c.ctx, trigger); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return nil
}

// violation reports a programming defect, restarts from Init and waits one
// backoff step so a persistent defect cannot spin.
func (c *Client) violation(err error) state.Result {
	c.log.Error("state machine invariant violated", "error", err, "state", c.CurrentState())
	c.observer.ObserveViolation(err)

	c.cx.Clear()
	if ok, _ := c.machine.CanFire(c.ctx, state.TriggerReset); ok {
		if ferr := c.setStateCause(state.TriggerReset, err); ferr != nil {
			c.log.Error("failed to reset state machine", "error", ferr)
		}
	}
	c.cx.Backoff()
	c.cx.armDelay()
	return state.DelayedNext
}

// retryLater backs off after a recoverable failure and re-arms the timer.
func (c *Client) retryLater(kind string, err error) state.Result {
	c.observer.ObserveFailure(kind)
	delay := c.cx.Backoff()
	c.cx.armDelay()
	c.log.Warn("operation failed, backing off", "operation", kind, "delay", delay, "error", err)
	return state.DelayedNext
}

// consume takes the current response, which must be one of kinds.
func (c *Client) consume(kinds ...transport.Kind) (*transport.Response, error) {
	resp := c.cx.Response
	if resp == nil {
		return nil, nil
	}
	c.cx.Response = nil
	for _, k := range kinds {
		if resp.Kind == k {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s received a %s response", ErrInvariant, c.CurrentState(), resp.Kind)
}

// track registers a new pending request and arms its safety timer.
func (c *Client) track(kind transport.Kind, timeout time.Duration) (uint64, context.Context) {
	c.cx.dropPending()
	c.nextID++
	ctx, cancel := context.WithCancel(c.ctx)
	c.cx.pending = &pendingRequest{id: c.nextID, kind: kind, cancel: cancel}
	c.cx.Response = nil
	c.cx.Timer.Arm(timeout)
	return c.nextID, ctx
}

// send issues req in the background; its response comes back as an event.
func (c *Client) send(req *transport.Request) {
	id, ctx := c.track(req.Kind, c.timeoutFor(req.Kind))
	c.goAsync(func() *transport.Response {
		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			return transport.Failed(id, req.Kind, err)
		}
		resp.ID = id
		resp.Kind = req.Kind
		return resp
	})
}

// install applies a in the background; the outcome comes back as an event.
func (c *Client) install(a *Artifact) {
	id, ctx := c.track(transport.KindInstall, c.timeoutFor(transport.KindInstall))
	c.goAsync(func() *transport.Response {
		if err := c.installer.Install(ctx, a); err != nil {
			return transport.Failed(id, transport.KindInstall, fmt.Errorf("%w: %v", ErrInstall, err))
		}
		return &transport.Response{ID: id, Kind: transport.KindInstall, Status: 200, Path: a.Path}
	})
}

// timeoutFor is the safety timeout for a request of kind.
func (c *Client) timeoutFor(kind transport.Kind) time.Duration {
	switch kind {
	case transport.KindDownload:
		return c.downloadTimeout
	case transport.KindInstall:
		return c.installTimeout
	default:
		return c.requestTimeout
	}
}

func (c *Client) goAsync(fn func() *transport.Response) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.post(NewResponseEvent(fn()))
	}()
}

// post queues evt unless the client is stopping.
func (c *Client) post(evt Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// token returns the stored session token, "" if there is none.
func (c *Client) token() string {
	tok, err := c.creds.Token(c.ctx)
	if err != nil {
		c.log.Debug("no usable auth token", "error", err)
		return ""
	}
	return tok
}

// dropSession discards credentials and returns to Init.
func (c *Client) dropSession(cause error) error {
	if err := c.creds.ClearToken(c.ctx); err != nil {
		c.log.Error("failed to clear auth token", "error", err)
	}
	return c.setStateCause(state.TriggerAuthRejected, cause)
}

// markChecked records a successful update check.
func (c *Client) markChecked(now time.Time) {
	c.cx.LastUpdate = now
	c.observer.ObserveCheck(now)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveLastUpdate(c.ctx, now); err != nil {
		c.log.Error("failed to persist last update time", "error", err)
	}
}

func isAuthRejected(err error) bool {
	return errors.Is(err, ErrAuthRejected)
}
