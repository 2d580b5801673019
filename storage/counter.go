// Package storage defines the shared failed-login counter store.
//
// A counter is the only cross-request (and cross-instance) mutable state in
// the authentication core. Every backend must apply RecordFailure as a single
// atomic step so that concurrent failures for one key are serialised.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures.
var ErrUnavailable = errors.New("counter store unavailable")

// Policy is the fixed-window lockout policy applied by RecordFailure.
type Policy struct {
	// Threshold is the failure count that locks the key.
	Threshold int
	// Window is how long failures accumulate before the count restarts.
	Window time.Duration
	// Cooldown is how long a locked key stays locked.
	Cooldown time.Duration
}

// Counter is the failure state for one key.
type Counter struct {
	Failures        int       `json:"failures"`
	WindowStartedAt time.Time `json:"window_started_at"`
	// LockedUntil is zero while the key is not locked.
	LockedUntil time.Time `json:"locked_until,omitempty"`
	// ExpiresAt is when the record resets: the lock end once locked,
	// otherwise the window end.
	ExpiresAt time.Time `json:"expires_at"`
}

// Locked reports whether the key is locked at now.
func (c Counter) Locked(now time.Time) bool {
	return !c.LockedUntil.IsZero() && now.Before(c.LockedUntil)
}

// Current returns c as observed at now: an expired window or an elapsed
// lock reads as the zero Counter.
func (c Counter) Current(now time.Time) Counter {
	if c.Failures == 0 || !now.Before(c.ExpiresAt) {
		return Counter{}
	}
	return c
}

// Next returns the counter after one more failure at now. The failure that
// reaches p.Threshold sets the lock; later failures keep the original lock.
func (c Counter) Next(p Policy, now time.Time) Counter {
	c = c.Current(now)
	if c.Failures == 0 {
		c.WindowStartedAt = now
		c.ExpiresAt = now.Add(p.Window)
	}
	c.Failures++
	if c.Failures >= p.Threshold && c.LockedUntil.IsZero() {
		c.LockedUntil = now.Add(p.Cooldown)
		c.ExpiresAt = c.LockedUntil
	}
	return c
}

// CounterStore persists counters keyed by login identifier.
type CounterStore interface {
	// RecordFailure atomically applies Counter.Next to the stored counter
	// and returns the result.
	RecordFailure(ctx context.Context, key string, p Policy, now time.Time) (Counter, error)
	// Counter returns the stored counter as observed at now.
	Counter(ctx context.Context, key string, now time.Time) (Counter, error)
	// Reset deletes the counter. Resetting a missing key is not an error.
	Reset(ctx context.Context, key string) error
}
