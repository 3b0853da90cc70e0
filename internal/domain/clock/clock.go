// Package clock provides the clinical clock used for all labor timing.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock returns the current instant
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock
type Func func() time.Time

// Now implements Clock
func (f Func) Now() time.Time { return f() }

// System is the wall clock
type System struct{}

// Now returns the current wall-clock time
func (System) Now() time.Time { return time.Now() }

// Manual is a controllable clock for tests and replays
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock fixed at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the current manual instant
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Elapsed is a duration reported as whole hours and minutes
type Elapsed struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Since returns the elapsed time from start to now.
// A start in the future yields zero.
func Since(start, now time.Time) Elapsed {
	return FromDuration(now.Sub(start))
}

// FromDuration converts d to whole hours and minutes, clamping negatives to zero
func FromDuration(d time.Duration) Elapsed {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Minute)
	return Elapsed{Hours: total / 60, Minutes: total % 60}
}

// Duration returns the elapsed value as a time.Duration
func (e Elapsed) Duration() time.Duration {
	return time.Duration(e.Hours)*time.Hour + time.Duration(e.Minutes)*time.Minute
}

// String renders the value as "3h 15m"
func (e Elapsed) String() string {
	return fmt.Sprintf("%dh %dm", e.Hours, e.Minutes)
}

// StartOfDay returns midnight of t's calendar day in t's location
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
