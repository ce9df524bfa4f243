// Package ratelimit bounds how many jobs one subject may start per minute.
// The limiter is in-process: the queue it guards is in-process too, so a
// shared counter store would add a hop without adding correctness.
package ratelimit

import (
	"sync"
	"time"
)

// Window counts admissions per subject within a fixed one-minute window.
// The counter resets when the window expires; check and increment happen
// under one lock so concurrent ticks cannot over-admit a subject.
type Window struct {
	mu       sync.Mutex
	now      func() time.Time
	limit    int
	duration time.Duration
	counters map[string]*counter
}

type counter struct {
	count   int
	resetAt time.Time
}

// NewWindow builds a limiter allowing limit admissions per minute per
// subject. A limit <= 0 disables the limiter.
func NewWindow(limit int) *Window {
	return &Window{
		now:      time.Now,
		limit:    limit,
		duration: time.Minute,
		counters: make(map[string]*counter),
	}
}

// WithClock swaps the time source for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Allow consumes one slot for the subject if the window has room.
func (w *Window) Allow(subjectID string) bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	c, ok := w.counters[subjectID]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(w.duration)}
		w.counters[subjectID] = c
	}
	if c.count >= w.limit {
		return false
	}
	c.count++
	return true
}

// Remaining reports the subject's unused slots in the current window.
func (w *Window) Remaining(subjectID string) int {
	if w.limit <= 0 {
		return int(^uint(0) >> 1)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.counters[subjectID]
	if !ok || !w.now().Before(c.resetAt) {
		return w.limit
	}
	return w.limit - c.count
}

// Sweep drops expired counters so the map does not grow with one entry
// per subject ever seen.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for k, c := range w.counters {
		if !now.Before(c.resetAt) {
			delete(w.counters, k)
		}
	}
}
