package scheduler_test

import (
	"testing"
	"time"

	"sentinel-antiraid/internal/scheduler"
	"sentinel-antiraid/internal/scheduler/schedulertest"
)

func TestScheduleOnceSingleTimerPerKey(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	sched := scheduler.New(clock)

	fired := 0
	if !sched.ScheduleOnce("g1", 10*time.Second, func() { fired++ }) {
		t.Fatalf("expected first schedule")
	}
	if sched.ScheduleOnce("g1", 5*time.Second, func() { fired += 100 }) {
		t.Fatalf("second schedule for the same key must be refused")
	}
	clock.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("expected one firing, got %d", fired)
	}
	if sched.Pending("g1") {
		t.Fatalf("key should be free after firing")
	}
	if !sched.ScheduleOnce("g1", time.Second, func() { fired++ }) {
		t.Fatalf("expected reschedule after firing")
	}
}

func TestCancel(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	sched := scheduler.New(clock)

	fired := false
	sched.ScheduleOnce("k", time.Second, func() { fired = true })
	if !sched.Cancel("k") {
		t.Fatalf("expected cancel")
	}
	if sched.Cancel("k") {
		t.Fatalf("nothing left to cancel")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestRescheduleFromCallback(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	sched := scheduler.New(clock)

	var times []time.Time
	var tick func()
	tick = func() {
		times = append(times, clock.Now())
		if len(times) < 3 {
			sched.ScheduleOnce("k", time.Second, tick)
		}
	}
	sched.ScheduleOnce("k", time.Second, tick)
	clock.Advance(10 * time.Second)
	if len(times) != 3 || !times[2].Equal(time.Unix(3, 0)) {
		t.Fatalf("unexpected firings: %v", times)
	}
}
