package timectrl

import (
	"sync"
	"time"
)

// SimClock is the read-only view of simulation time. Components that
// only need to know "what time is it in the simulation" (the routing
// controller, the demo orchestrator, alert timestamps) depend on this
// interface rather than the concrete TimeController, so tests can
// substitute a manually stepped clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still
	// stepping by Tick.
	Accelerated
	// Manual never advances on its own; callers drive it with Step.
	// This is the mode used by tests and by the scripted demo when it
	// wants deterministic tick-by-tick control.
	Manual
)

// TimeController drives the simulation's logical clock and notifies
// registered listeners once per tick. One tick of this clock is the
// unit of the routing controller's reaction latency.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       uint64

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Ticks returns how many ticks have elapsed since StartTime.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// SetTime repositions the clock without firing listeners. Intended for
// test setup, not for advancing a running simulation.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick. Listeners
// must be registered before the controller starts advancing.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Step advances the clock by n ticks, firing listeners synchronously
// after each advance. It is the only way a Manual clock moves, and it
// also works in the other modes (useful to pre-roll a scenario).
func (tc *TimeController) Step(n int) {
	for i := 0; i < n; i++ {
		tc.mu.Lock()
		tc.currentTime = tc.currentTime.Add(tc.Tick)
		tc.ticks++
		now := tc.currentTime
		tc.mu.Unlock()

		for _, fn := range tc.listeners {
			fn(now)
		}
	}
}

// Start runs the controller for the specified duration in a separate
// goroutine and returns a channel that is closed when it finishes.
// A Manual controller finishes immediately without advancing.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		if tc.Mode == Manual {
			return
		}

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.ticks = 0
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		// Both remaining modes use a wall ticker; Accelerated simply
		// runs with a much smaller wall interval than the sim tick.
		interval := tc.Tick
		if tc.Mode == Accelerated {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			<-ticker.C
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = tc.currentTime.Add(tc.Tick)
			tc.ticks++
			now := tc.currentTime
			tc.mu.Unlock()

			for _, fn := range tc.listeners {
				fn(now)
			}
		}
	}()
	return done
}
