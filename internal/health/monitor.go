// Package health provides health reporting and metrics for the update agent.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ihiteshgupta/update-agent/internal/config"
	"github.com/ihiteshgupta/update-agent/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status represents the health status of the agent.
type Status struct {
	State               string    `json:"state"`
	Authorized          bool      `json:"authorized"`
	Healthy             bool      `json:"healthy"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
	LastUpdate          time.Time `json:"last_update"`
	BackoffSeconds      float64   `json:"backoff_seconds"`
	Transitions         int64     `json:"transitions"`
	AuthFailures        int64     `json:"auth_failures"`
	CheckFailures       int64     `json:"check_failures"`
	FetchFailures       int64     `json:"fetch_failures"`
	Installs            int64     `json:"installs"`
	InstallFailures     int64     `json:"install_failures"`
	InvariantViolations int64     `json:"invariant_violations"`
}

// Monitor tracks agent health. It implements agent.Observer and follows the
// state machine through its transition callbacks.
type Monitor struct {
	log *slog.Logger

	// staleAfter is how long the agent may go without a successful check
	// before it is reported unhealthy.
	staleAfter time.Duration

	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	backoff     prometheus.Gauge
	failures    *prometheus.CounterVec
	installs    *prometheus.CounterVec
	violations  prometheus.Counter

	startTime       time.Time
	current         state.State
	lastUpdate      time.Time
	delay           time.Duration
	transitionCount atomic.Int64
	authFailures    atomic.Int64
	checkFailures   atomic.Int64
	fetchFailures   atomic.Int64
	installOK       atomic.Int64
	installFailed   atomic.Int64
	violationCount  atomic.Int64

	mu sync.RWMutex
}

// NewMonitor creates a new health monitor following sm.
func NewMonitor(cfg *config.Config, sm *state.Machine) *Monitor {
	m := &Monitor{
		log:        slog.Default().With("component", "health"),
		staleAfter: 2*cfg.CheckInterval + cfg.BackoffMax,
		registry:   prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_agent_transitions_total",
			Help: "State machine transitions by source and destination state.",
		}, []string{"from", "to"}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_agent_backoff_seconds",
			Help: "Current wait before the agent acts again.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_agent_failures_total",
			Help: "Failed operations by kind.",
		}, []string{"kind"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_agent_installs_total",
			Help: "Artifact installations by result.",
		}, []string{"result"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_agent_invariant_violations_total",
			Help: "State machine invariant violations.",
		}),
		startTime: time.Now(),
		current:   sm.MustState(),
	}
	m.registry.MustRegister(m.transitions, m.backoff, m.failures, m.installs, m.violations)

	sm.OnTransition(m.onTransition)
	return m
}

func (m *Monitor) onTransition(_ context.Context, from, to state.State, _ state.Trigger) {
	m.transitionCount.Add(1)
	m.transitions.WithLabelValues(string(from), string(to)).Inc()

	m.mu.Lock()
	m.current = to
	m.mu.Unlock()
}

// ObserveFailure counts a failed operation of the given kind.
func (m *Monitor) ObserveFailure(kind string) {
	m.failures.WithLabelValues(kind).Inc()
	switch kind {
	case "auth":
		m.authFailures.Add(1)
	case "check":
		m.checkFailures.Add(1)
	case "fetch":
		m.fetchFailures.Add(1)
	}
}

// ObserveInstall counts an installation attempt.
func (m *Monitor) ObserveInstall(ok bool) {
	if ok {
		m.installOK.Add(1)
		m.installs.WithLabelValues("success").Inc()
		return
	}
	m.installFailed.Add(1)
	m.installs.WithLabelValues("failure").Inc()
}

// ObserveViolation counts an invariant violation.
func (m *Monitor) ObserveViolation(err error) {
	m.violationCount.Add(1)
	m.violations.Inc()
	m.log.Warn("invariant violation reported", "error", err)
}

// ObserveDelay records the wait the agent settled on.
func (m *Monitor) ObserveDelay(d time.Duration) {
	m.backoff.Set(d.Seconds())
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// ObserveCheck records a successful update check.
func (m *Monitor) ObserveCheck(at time.Time) {
	m.mu.Lock()
	m.lastUpdate = at
	m.mu.Unlock()
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:               string(m.current),
		Authorized:          m.current.HasSession(),
		Healthy:             m.healthy(time.Now()),
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		LastUpdate:          m.lastUpdate,
		BackoffSeconds:      m.delay.Seconds(),
		Transitions:         m.transitionCount.Load(),
		AuthFailures:        m.authFailures.Load(),
		CheckFailures:       m.checkFailures.Load(),
		FetchFailures:       m.fetchFailures.Load(),
		Installs:            m.installOK.Load(),
		InstallFailures:     m.installFailed.Load(),
		InvariantViolations: m.violationCount.Load(),
	}
}

// healthy reports whether a successful check happened recently enough.
// Callers hold mu.
func (m *Monitor) healthy(now time.Time) bool {
	since := m.lastUpdate
	if since.IsZero() {
		since = m.startTime
	}
	return now.Sub(since) <= m.staleAfter
}

// Handler serves /healthz and /metrics.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.serveHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

func (m *Monitor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := m.GetStatus()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.log.Error("failed to encode health status", "error", err)
	}
}

// Serve exposes Handler on addr until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.log.Info("health server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		m.log.Info("health server stopped")
		return nil
	}
}
