package timectrl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventScheduler runs callbacks at specific simulation times. The demo
// orchestrator uses it to sequence scripted actions against the sim
// clock; the owner of the clock is responsible for calling RunDue
// after every advance (the TimeController listener is the natural
// place).
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a previously scheduled event. It is a no-op if the
	// ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Safe to call repeatedly; events run at most once.
	RunDue()
}

type pendingEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock SimClock

	mu      sync.Mutex
	counter uint64
	events  []*pendingEvent // ordered by when, earliest first
	index   map[string]*pendingEvent
}

// NewEventScheduler creates a scheduler backed by the given SimClock.
func NewEventScheduler(clock SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*pendingEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id := fmt.Sprintf("ev-%d", s.counter)
	ev := &pendingEvent{id: id, when: at, f: f}

	idx := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].when.Before(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[id] = ev
	return id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popDueLocked()
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Run outside the lock so callbacks may schedule new events.
		if !ev.cancelled && ev.f != nil {
			ev.f()
		}
	}
}

// popDueLocked removes and returns the earliest non-cancelled event at
// or before Now, or nil. Caller must hold s.mu.
func (s *eventScheduler) popDueLocked() *pendingEvent {
	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}
