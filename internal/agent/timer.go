package agent

import (
	"sync"
	"time"
)

// Timer is the single schedulable timer owned by a Context. Arming it
// cancels whatever was armed before.
type Timer interface {
	// Arm schedules the timer and returns its generation.
	Arm(d time.Duration) uint64
	// Stop disarms the timer. Stopping a disarmed timer is a no-op.
	Stop()
	// Pending returns the generation of the armed timer, if any.
	Pending() (uint64, bool)
}

// eventTimer fires by handing its generation to a callback, which the
// client uses to queue a timer event.
type eventTimer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
	fire  func(gen uint64)
}

func newEventTimer(fire func(gen uint64)) *eventTimer {
	return &eventTimer{fire: fire}
}

func (e *eventTimer) Arm(d time.Duration) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.t != nil {
		e.t.Stop()
	}
	e.gen++
	gen := e.gen
	e.armed = true
	e.t = time.AfterFunc(d, func() { e.fire(gen) })
	return gen
}

func (e *eventTimer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.t != nil {
		e.t.Stop()
		e.t = nil
	}
	e.armed = false
}

func (e *eventTimer) Pending() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen, e.armed
}
