package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/update-agent/internal/backend"
	"github.com/ihiteshgupta/update-agent/internal/config"
	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

type fakeReply struct {
	status int
	body   string
	err    error
	delay  time.Duration
}

// fakeTransport answers requests from per-kind scripts. A request with no
// scripted reply hangs until its context is cancelled.
type fakeTransport struct {
	mu       sync.Mutex
	replies  map[transport.Kind][]fakeReply
	requests []*transport.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: make(map[transport.Kind][]fakeReply)}
}

func (f *fakeTransport) script(kind transport.Kind, replies ...fakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[kind] = append(f.replies[kind], replies...)
}

func (f *fakeTransport) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	queue := f.replies[req.Kind]
	if len(queue) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := queue[0]
	f.replies[req.Kind] = queue[1:]
	f.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := &transport.Response{Kind: req.Kind, Status: r.status, Body: []byte(r.body)}
	if req.Dest != "" && resp.OK() {
		resp.Path = req.Dest
	}
	return resp, nil
}

func (f *fakeTransport) sent(kind transport.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

type fakeCreds struct {
	mu    sync.Mutex
	token string
}

func (f *fakeCreds) Token(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return "", errors.New("not found")
	}
	return f.token, nil
}

func (f *fakeCreds) SaveToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	return nil
}

func (f *fakeCreds) ClearToken(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	return nil
}

func (f *fakeCreds) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

type fakeInstaller struct {
	mu        sync.Mutex
	err       error
	artifacts []Artifact
}

func (f *fakeInstaller) Install(_ context.Context, a *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, *a)
	return f.err
}

func (f *fakeInstaller) Installed() string {
	return "release-1"
}

func (f *fakeInstaller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.artifacts)
}

// fakeTimer never fires on its own; tests deliver expiries with OnTimer.
type fakeTimer struct {
	mu        sync.Mutex
	gen       uint64
	armed     bool
	durations []time.Duration
}

func (f *fakeTimer) Arm(d time.Duration) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.armed = true
	f.durations = append(f.durations, d)
	return f.gen
}

func (f *fakeTimer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
}

func (f *fakeTimer) Pending() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen, f.armed
}

func (f *fakeTimer) last() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.durations) == 0 {
		return 0
	}
	return f.durations[len(f.durations)-1]
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

type transitionRecord struct {
	from, to state.State
	trigger  string
	cause    string
}

type fakeRecorder struct {
	mu          sync.Mutex
	state       state.State
	lastUpdate  time.Time
	transitions []transitionRecord
}

func (f *fakeRecorder) SaveState(_ context.Context, s state.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	return nil
}

func (f *fakeRecorder) LogTransition(_ context.Context, from, to state.State, trigger, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transitionRecord{from: from, to: to, trigger: trigger, cause: cause})
	return nil
}

func (f *fakeRecorder) LastUpdate(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate, nil
}

func (f *fakeRecorder) SaveLastUpdate(_ context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = t
	return nil
}

type fakeObserver struct {
	mu         sync.Mutex
	failures   map[string]int
	installs   map[bool]int
	violations int
	delays     []time.Duration
	checks     []time.Time
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{failures: map[string]int{}, installs: map[bool]int{}}
}

func (f *fakeObserver) ObserveFailure(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind]++
}

func (f *fakeObserver) ObserveInstall(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs[ok]++
}

func (f *fakeObserver) ObserveViolation(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations++
}

func (f *fakeObserver) ObserveDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
}

func (f *fakeObserver) ObserveCheck(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, at)
}

// harness wires a client to fakes.
type harness struct {
	t         *testing.T
	cfg       *config.Config
	client    *Client
	transport *fakeTransport
	creds     *fakeCreds
	installer *fakeInstaller
	timer     *fakeTimer
	clock     *fakeClock
	recorder  *fakeRecorder
	observer  *fakeObserver
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerURL = "https://updates.example.com"
	cfg.StorePath = t.TempDir() + "/agent.db"
	return cfg
}

func newHarness(t *testing.T, initial state.State) *harness {
	t.Helper()

	cfg := testConfig(t)
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	codec := backend.NewClient(backend.Config{
		ServerURL:   cfg.ServerURL,
		DeviceType:  "test-device",
		DownloadDir: cfg.DownloadDir(),
	}, backend.NewIdentity(map[string]string{"mac": "00:11:22:33:44:55"}, key))

	h := &harness{
		t:         t,
		cfg:       cfg,
		transport: newFakeTransport(),
		creds:     &fakeCreds{},
		installer: &fakeInstaller{},
		timer:     &fakeTimer{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		recorder:  &fakeRecorder{},
		observer:  newFakeObserver(),
	}
	h.client = newClient(cfg, Deps{
		Transport:   h.transport,
		Backend:     codec,
		Credentials: h.creds,
		Installer:   h.installer,
		Recorder:    h.recorder,
		Observer:    h.observer,
		Clock:       h.clock,
		Timer:       h.timer,
	}, initial)
	t.Cleanup(h.client.Stop)
	return h
}

// next dispatches one queued event, failing if none arrives.
func (h *harness) next() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.client.ProcessNext(ctx))
}

// fire delivers the currently armed timer.
func (h *harness) fire() {
	h.t.Helper()
	gen, armed := h.timer.Pending()
	require.True(h.t, armed, "timer is not armed")
	h.client.OnTimer(gen)
}

func (h *harness) withUpdate(id string) {
	h.client.cx.Update = &backend.Update{
		ID:           id,
		ArtifactName: "release-2",
		URI:          "https://cdn.example.com/" + id,
	}
}

func deploymentJSON(id string) string {
	return `{"id":"` + id + `","artifact":{"artifact_name":"release-2","source":{"uri":"https://cdn.example.com/` + id + `"}}}`
}
