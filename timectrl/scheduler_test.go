package timectrl

import (
	"testing"
	"time"
)

func TestSchedulerRunsDueEventsInOrder(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Manual)
	sched := NewEventScheduler(tc)

	var order []string
	sched.Schedule(start.Add(2*time.Second), func() { order = append(order, "second") })
	sched.Schedule(start.Add(1*time.Second), func() { order = append(order, "first") })
	sched.Schedule(start.Add(10*time.Second), func() { order = append(order, "late") })

	tc.Step(3)
	sched.RunDue()

	if len(order) != 2 {
		t.Fatalf("ran %d events, want 2: %v", len(order), order)
	}
	if order[0] != "first" || order[1] != "second" {
		t.Fatalf("events ran out of order: %v", order)
	}
}

func TestSchedulerCancelPreventsExecution(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Manual)
	sched := NewEventScheduler(tc)

	ran := false
	id := sched.Schedule(start.Add(time.Second), func() { ran = true })
	sched.Cancel(id)

	tc.Step(2)
	sched.RunDue()

	if ran {
		t.Fatal("cancelled event still ran")
	}
}

func TestSchedulerEventsRunAtMostOnce(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Manual)
	sched := NewEventScheduler(tc)

	count := 0
	sched.Schedule(start.Add(time.Second), func() { count++ })

	tc.Step(1)
	sched.RunDue()
	sched.RunDue()
	tc.Step(1)
	sched.RunDue()

	if count != 1 {
		t.Fatalf("event ran %d times, want 1", count)
	}
}

func TestSchedulerCallbackMayScheduleFollowup(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Manual)
	sched := NewEventScheduler(tc)

	var order []string
	sched.Schedule(start.Add(time.Second), func() {
		order = append(order, "parent")
		sched.Schedule(start.Add(time.Second), func() {
			order = append(order, "child")
		})
	})

	tc.Step(1)
	sched.RunDue()

	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}
