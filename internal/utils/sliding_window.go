package utils

import (
	"sort"
	"sync"
	"time"
)

type hit struct {
	at time.Time
	id string
}

// SlidingWindow keeps an ascending list of hits per key. Counts cover the
// closed interval [now-window, now]; older hits are pruned from the front.
type SlidingWindow struct {
	mu   sync.Mutex
	hits map[string][]hit
	seen map[string]time.Time
}

func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		hits: make(map[string][]hit),
		seen: make(map[string]time.Time),
	}
}

func (w *SlidingWindow) Record(key string, at time.Time) {
	w.RecordID(key, "", at)
}

// RecordID appends a hit labelled with id. A hit older than the newest one
// is inserted in order so the list stays sorted.
func (w *SlidingWindow) RecordID(key, id string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hits := w.hits[key]
	entry := hit{at: at, id: id}
	if n := len(hits); n == 0 || !at.Before(hits[n-1].at) {
		hits = append(hits, entry)
	} else {
		idx := sort.Search(n, func(i int) bool { return hits[i].at.After(at) })
		hits = append(hits, hit{})
		copy(hits[idx+1:], hits[idx:])
		hits[idx] = entry
	}
	w.hits[key] = hits
	w.seen[key] = at
}

func (w *SlidingWindow) Count(key string, now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(key, now, window))
}

// Add records a hit at now and returns the count inside the window.
func (w *SlidingWindow) Add(key string, now time.Time, window time.Duration) int {
	w.RecordID(key, "", now)
	return w.Count(key, now, window)
}

// IDs returns the labels of the hits still inside the window, oldest first.
// Unlabelled hits are skipped.
func (w *SlidingWindow) IDs(key string, now time.Time, window time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	hits := w.pruneLocked(key, now, window)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.id != "" {
			ids = append(ids, h.id)
		}
	}
	return ids
}

func (w *SlidingWindow) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.hits, key)
	delete(w.seen, key)
}

// Sweep drops keys whose newest hit is older than idle and returns how many
// keys were removed.
func (w *SlidingWindow) Sweep(now time.Time, idle time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	cutoff := now.Add(-idle)
	for key, last := range w.seen {
		if last.Before(cutoff) {
			delete(w.hits, key)
			delete(w.seen, key)
			removed++
		}
	}
	return removed
}

func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

func (w *SlidingWindow) pruneLocked(key string, now time.Time, window time.Duration) []hit {
	hits := w.hits[key]
	cutoff := now.Add(-window)
	idx := 0
	for _, h := range hits {
		if !h.at.Before(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		hits = hits[idx:]
		w.hits[key] = hits
	}
	return hits
}
