// Package dedupe suppresses duplicate triggers inside a per-user cooldown
// window so near-simultaneous signals (a shake followed by a manual press)
// collapse into one alert.
package dedupe

import (
	"sync"
	"time"
)

type lastAlert struct {
	alertID   string
	createdAt time.Time
}

// Deduplicator tracks the most recent alert per user. The check-and-set in
// Admit is atomic; callers additionally hold the per-user engine lock so
// concurrent triggers for one user cannot both pass the cooldown check.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]lastAlert
}

// New creates a Deduplicator with the given cooldown window.
func New(window time.Duration) *Deduplicator {
	return &Deduplicator{
		window: window,
		last:   make(map[string]lastAlert),
	}
}

// Admit decides whether a trigger at now may create a new alert for the
// user. Inside the cooldown it returns the suppressing alert's ID and
// admit=false; the cooldown is NOT reset by suppressed triggers.
func (d *Deduplicator) Admit(userID string, now time.Time) (suppressedBy string, admit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[userID]; ok && now.Sub(prev.createdAt) < d.window {
		return prev.alertID, false
	}
	return "", true
}

// Record marks an alert as created, resetting the user's cooldown. Called
// only when an alert is actually created.
func (d *Deduplicator) Record(userID, alertID string, createdAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[userID] = lastAlert{alertID: alertID, createdAt: createdAt}
}

// Seed restores cooldown state from persisted alerts on startup so a
// restart inside a cooldown window does not re-alert.
func (d *Deduplicator) Seed(userID, alertID string, createdAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last[userID]; ok && prev.createdAt.After(createdAt) {
		return
	}
	d.last[userID] = lastAlert{alertID: alertID, createdAt: createdAt}
}
