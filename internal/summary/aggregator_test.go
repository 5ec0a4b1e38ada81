package summary

import (
	"sync"
	"testing"
	"time"

	"sentinel-antiraid/internal/scheduler/schedulertest"
	"sentinel-antiraid/internal/signals"
)

type recorder struct {
	mu   sync.Mutex
	sigs []signals.Signal
}

func (r *recorder) emit(sig signals.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *recorder) all() []signals.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signals.Signal(nil), r.sigs...)
}

func TestSummaryDebounces(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	agg := New(clock, 10*time.Second, rec.emit)

	agg.Record("g1", Joins, 1)
	clock.Advance(3 * time.Second)
	agg.Record("g1", Joins, 1)
	agg.Record("g1", SpamMessages, 2)
	if clock.Pending() != 1 {
		t.Fatalf("expected a single timer, got %d", clock.Pending())
	}

	clock.Advance(6 * time.Second)
	if len(rec.all()) != 0 {
		t.Fatalf("flushed too early")
	}
	clock.Advance(time.Second)
	sigs := rec.all()
	if len(sigs) != 1 {
		t.Fatalf("expected one digest, got %d", len(sigs))
	}
	if sigs[0].Joins != 2 || sigs[0].SpamMessages != 2 || sigs[0].Kind != signals.RaidSummary {
		t.Fatalf("unexpected digest: %+v", sigs[0])
	}
	if agg.Scheduled("g1") {
		t.Fatalf("flag should clear after flush")
	}

	clock.Advance(time.Minute)
	if len(rec.all()) != 1 {
		t.Fatalf("quiet guild must not flush again")
	}

	agg.Record("g1", SpamMessages, 1)
	clock.Advance(10 * time.Second)
	sigs = rec.all()
	if len(sigs) != 2 || sigs[1].Joins != 0 || sigs[1].SpamMessages != 1 {
		t.Fatalf("expected fresh totals, got %+v", sigs)
	}
}

func TestSummaryPerGuild(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	agg := New(clock, 10*time.Second, rec.emit)

	agg.Record("g1", Joins, 1)
	clock.Advance(5 * time.Second)
	agg.Record("g2", Joins, 3)
	clock.Advance(5 * time.Second)

	sigs := rec.all()
	if len(sigs) != 1 || sigs[0].GuildID != "g1" {
		t.Fatalf("expected g1 only, got %+v", sigs)
	}
	clock.Advance(5 * time.Second)
	sigs = rec.all()
	if len(sigs) != 2 || sigs[1].GuildID != "g2" || sigs[1].Joins != 3 {
		t.Fatalf("expected g2 digest, got %+v", sigs)
	}
}

func TestSummaryStop(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	agg := New(clock, 10*time.Second, rec.emit)
	agg.Record("g1", Joins, 1)
	agg.Stop()
	clock.Advance(time.Minute)
	if len(rec.all()) != 0 {
		t.Fatalf("stopped aggregator must not emit")
	}
}
