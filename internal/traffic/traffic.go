// Package traffic keeps a short sliding window of request outcomes for the
// health handler: how many details requests succeeded, how many hit a failed
// Earth Engine computation, and how many the rate limiter turned away.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a recorded request.
type Outcome uint8

const (
	Success Outcome = iota
	Failure
	Denied
)

// retention bounds how far back any window may look.
const retention = 10 * time.Minute

var defaultTracker = NewTracker(nil)

// RecordSuccess records a details request that produced a time series.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a details request whose computation failed.
func RecordError() { defaultTracker.Record(Failure) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// RequestCount returns all outcomes within the window, denials included.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (failures, successes+failures) within the window.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker records timestamped outcomes in arrival order.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	events []event
}

// NewTracker returns a Tracker using now as its clock (time.Now when nil).
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Record appends an outcome stamped with the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// RequestCount returns the number of outcomes of any kind within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	c := t.count(window)
	return c[Success] + c[Failure] + c[Denied]
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window)[Denied]
}

// ErrorRate returns (failures, successes+failures) within the window. Denials
// are not part of the error rate.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	c := t.count(window)
	return c[Failure], c[Success] + c[Failure]
}

// Reset drops every recorded outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) count(window time.Duration) [3]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var c [3]int
	cutoff := t.now().Add(-window)
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].at.Before(cutoff) {
			break
		}
		c[t.events[i].outcome]++
	}
	return c
}

// pruneLocked drops events older than retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
