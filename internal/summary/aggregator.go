// Package summary batches detection counts per guild into periodic raid
// digests.
package summary

import (
	"sync"
	"time"

	"sentinel-antiraid/internal/scheduler"
	"sentinel-antiraid/internal/signals"
)

type Field int

const (
	Joins Field = iota
	SpamMessages
)

const DefaultDelay = 10 * time.Second

type totals struct {
	joins        int
	spamMessages int
}

// Aggregator accumulates counts and arms one flush timer per guild on the
// first event after a flush.
type Aggregator struct {
	mu     sync.Mutex
	clock  scheduler.Clock
	timers *scheduler.Scheduler
	delay  time.Duration
	totals map[string]*totals
	emit   func(signals.Signal)
}

func New(clock scheduler.Clock, delay time.Duration, emit func(signals.Signal)) *Aggregator {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Aggregator{
		clock:  clock,
		timers: scheduler.New(clock),
		delay:  delay,
		totals: make(map[string]*totals),
		emit:   emit,
	}
}

func (a *Aggregator) Record(guildID string, field Field, amount int) {
	if amount <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.totals[guildID]
	if current == nil {
		current = &totals{}
		a.totals[guildID] = current
	}
	switch field {
	case Joins:
		current.joins += amount
	case SpamMessages:
		current.spamMessages += amount
	}
	a.timers.ScheduleOnce(guildID, a.delay, func() { a.Flush(guildID) })
}

// Flush emits the guild's totals now and resets them. It reports false when
// there was nothing to emit.
func (a *Aggregator) Flush(guildID string) bool {
	a.timers.Cancel(guildID)

	a.mu.Lock()
	current := a.totals[guildID]
	delete(a.totals, guildID)
	a.mu.Unlock()

	if current == nil || (current.joins == 0 && current.spamMessages == 0) {
		return false
	}
	sig := signals.New(signals.RaidSummary, guildID, a.clock.Now())
	sig.Joins = current.joins
	sig.SpamMessages = current.spamMessages
	sig.Rule = "summary/" + a.delay.String()
	sig.Response = signals.ResponseDigest
	if a.emit != nil {
		a.emit(sig)
	}
	return true
}

func (a *Aggregator) Scheduled(guildID string) bool {
	return a.timers.Pending(guildID)
}

// Stop cancels pending flushes without emitting them.
func (a *Aggregator) Stop() {
	a.timers.Stop()
}
