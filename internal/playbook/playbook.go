package playbook

import (
	"sync"
	"time"

	"sentinel-antiraid/internal/utils"
)

// RateWindow is the span flagged events are counted over.
const RateWindow = 60 * time.Second

type State struct {
	Locked bool
	Since  time.Time
	Count  int
}

// Engine tracks the guild-wide rate of flagged events and holds lockdowns.
// A lockdown stays until Clear is called.
type Engine struct {
	mu     sync.RWMutex
	rates  *utils.SlidingWindow
	states map[string]*State
}

func New() *Engine {
	return &Engine{
		rates:  utils.NewSlidingWindow(),
		states: make(map[string]*State),
	}
}

// RecordFlagged counts one flagged event. engaged is true only for the event
// that moves the guild from open to locked.
func (e *Engine) RecordFlagged(guildID string, now time.Time, threshold int) (count int, engaged bool) {
	count = e.rates.Add(guildID, now, RateWindow)

	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(guildID)
	if state.Locked || threshold <= 0 || count < threshold {
		return count, false
	}
	state.Locked = true
	state.Since = now
	state.Count = count
	return count, true
}

func (e *Engine) IsLockdown(guildID string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state := e.states[guildID]
	if state == nil {
		return State{}
	}
	return *state
}

// Rate returns the flagged events inside the window ending at now.
func (e *Engine) Rate(guildID string, now time.Time) int {
	return e.rates.Count(guildID, now, RateWindow)
}

// Clear reopens a locked guild and restarts its rate window. It returns false
// if the guild was not locked.
func (e *Engine) Clear(guildID string) bool {
	e.mu.Lock()
	state := e.states[guildID]
	if state == nil || !state.Locked {
		e.mu.Unlock()
		return false
	}
	delete(e.states, guildID)
	e.mu.Unlock()

	e.rates.Reset(guildID)
	return true
}

func (e *Engine) Sweep(now time.Time) int {
	return e.rates.Sweep(now, RateWindow)
}

func (e *Engine) stateLocked(guildID string) *State {
	state := e.states[guildID]
	if state == nil {
		state = &State{}
		e.states[guildID] = state
	}
	return state
}
