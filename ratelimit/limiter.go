// Package ratelimit throttles failed login attempts.
//
// Each login identifier moves through three states: clear (no failures),
// accumulating (fewer than Threshold failures in the current window) and
// locked (Threshold reached). While locked every attempt is refused before
// credentials are consulted, until Cooldown has elapsed. A successful login
// clears the identifier.
//
// Counters live in a storage.CounterStore so that several server instances
// can share them; the store applies each failure atomically.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/marquee/internal/util"
	"github.com/jmcleod/marquee/storage"
)

const (
	DefaultThreshold        = 10
	DefaultWindow           = 15 * time.Minute
	DefaultCooldown         = 15 * time.Minute
	DefaultAddressThreshold = 50

	identifierPrefix = "id:"
	addressPrefix    = "ip:"
)

// Config holds the lockout policy.
type Config struct {
	// Threshold is the number of failures that locks an identifier.
	Threshold int
	// Window is how long failures accumulate before the count restarts.
	Window time.Duration
	// Cooldown is how long a locked identifier stays locked.
	Cooldown time.Duration
	// AddressThreshold is the failure threshold applied to the caller's
	// address. Zero disables address tracking.
	AddressThreshold int
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Threshold:        DefaultThreshold,
		Window:           DefaultWindow,
		Cooldown:         DefaultCooldown,
		AddressThreshold: DefaultAddressThreshold,
	}
}

// Attempt identifies who is trying to log in.
type Attempt struct {
	// Identifier is the submitted login name, normally an email address.
	Identifier string
	// Address is the client address. Empty skips the address check.
	Address string
}

// Status is the state of an identifier after a recorded failure.
type Status struct {
	Failures int
	// AttemptsLeft is how many more failures are allowed before the lock.
	AttemptsLeft int
	// LockedUntil is zero unless this or an earlier failure locked the
	// identifier.
	LockedUntil time.Time
}

// Limiter checks and records login attempts against a CounterStore.
// It is safe for concurrent use.
type Limiter struct {
	store      storage.CounterStore
	policy     storage.Policy
	addrPolicy storage.Policy
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a Limiter over store. Zero fields in cfg take their defaults.
func New(store storage.CounterStore, cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	l := &Limiter{
		store:  store,
		policy: storage.Policy{Threshold: cfg.Threshold, Window: cfg.Window, Cooldown: cfg.Cooldown},
		now:    time.Now,
	}
	if cfg.AddressThreshold > 0 {
		l.addrPolicy = storage.Policy{Threshold: cfg.AddressThreshold, Window: cfg.Window, Cooldown: cfg.Cooldown}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the per-identifier policy in effect.
func (l *Limiter) Policy() storage.Policy {
	return l.policy
}

// Check returns a *LockedError if the attempt must be refused. When both the
// identifier and the address are locked, the longer lock is reported.
// Other errors wrap storage.ErrUnavailable.
func (l *Limiter) Check(ctx context.Context, a Attempt) error {
	now := l.now()
	var locked *LockedError
	for _, key := range l.keys(a) {
		c, err := l.store.Counter(ctx, key, now)
		if err != nil {
			return fmt.Errorf("checking login attempts: %w", err)
		}
		if !c.Locked(now) {
			continue
		}
		if locked == nil || c.LockedUntil.After(locked.Until) {
			locked = newLockedError(c.LockedUntil, now)
		}
	}
	if locked != nil {
		return locked
	}
	return nil
}

// RecordFailure counts one failed attempt for the identifier and, when
// address tracking is on, for the address. The returned Status describes
// the identifier. The address is recorded first, so an error never leaves
// the identifier counted.
func (l *Limiter) RecordFailure(ctx context.Context, a Attempt) (Status, error) {
	now := l.now()
	if l.addressEnabled() && a.Address != "" {
		if _, err := l.store.RecordFailure(ctx, addressPrefix+a.Address, l.addrPolicy, now); err != nil {
			return Status{}, fmt.Errorf("recording login failure: %w", err)
		}
	}
	c, err := l.store.RecordFailure(ctx, identifierKey(a.Identifier), l.policy, now)
	if err != nil {
		return Status{}, fmt.Errorf("recording login failure: %w", err)
	}

	st := Status{Failures: c.Failures, AttemptsLeft: l.policy.Threshold - c.Failures}
	if st.AttemptsLeft < 0 {
		st.AttemptsLeft = 0
	}
	if c.Locked(now) {
		st.LockedUntil = c.LockedUntil
	}
	return st, nil
}

// RecordSuccess clears the identifier's counter. The address counter is
// left to expire on its own so that one valid account cannot be used to
// launder failures against others.
func (l *Limiter) RecordSuccess(ctx context.Context, a Attempt) error {
	if err := l.store.Reset(ctx, identifierKey(a.Identifier)); err != nil {
		return fmt.Errorf("resetting login attempts: %w", err)
	}
	return nil
}

// Failures returns the current failure count for the identifier.
func (l *Limiter) Failures(ctx context.Context, identifier string) (int, error) {
	c, err := l.store.Counter(ctx, identifierKey(identifier), l.now())
	if err != nil {
		return 0, fmt.Errorf("reading login attempts: %w", err)
	}
	return c.Failures, nil
}

func (l *Limiter) addressEnabled() bool {
	return l.addrPolicy.Threshold > 0
}

func (l *Limiter) keys(a Attempt) []string {
	keys := []string{identifierKey(a.Identifier)}
	if l.addressEnabled() && a.Address != "" {
		keys = append(keys, addressPrefix+a.Address)
	}
	return keys
}

func identifierKey(identifier string) string {
	return identifierPrefix + util.NormalizeIdentifier(identifier)
}
