package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/marquee/storage"
	"github.com/jmcleod/marquee/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(memory.NewStore(), cfg, WithClock(clock.Now)), clock
}

func TestLimiter_TenthFailureLocks(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	a := Attempt{Identifier: "user@x.com"}

	for i := 1; i < DefaultThreshold; i++ {
		require.NoError(t, l.Check(ctx, a), "attempt %d must be allowed", i)
		st, err := l.RecordFailure(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, i, st.Failures)
		assert.Equal(t, DefaultThreshold-i, st.AttemptsLeft)
		assert.True(t, st.LockedUntil.IsZero())
	}

	// The 10th attempt is still allowed; its failure locks.
	require.NoError(t, l.Check(ctx, a))
	st, err := l.RecordFailure(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, st.Failures)
	assert.False(t, st.LockedUntil.IsZero())

	// The 11th attempt is refused.
	err = l.Check(ctx, a)
	require.ErrorIs(t, err, ErrRateLimited)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, int(DefaultCooldown/time.Second), locked.RemainingSeconds())
}

func TestLimiter_SuccessResets(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	a := Attempt{Identifier: "user@x.com"}

	for i := 0; i < DefaultThreshold-1; i++ {
		_, err := l.RecordFailure(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, l.RecordSuccess(ctx, a))

	n, err := l.Failures(ctx, "user@x.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	// A fresh budget: nine more failures do not lock.
	for i := 0; i < DefaultThreshold-1; i++ {
		_, err := l.RecordFailure(ctx, a)
		require.NoError(t, err)
	}
	assert.NoError(t, l.Check(ctx, a))
}

func TestLimiter_RetryAfterRemainingSecondsSucceeds(t *testing.T) {
	l, clock := newTestLimiter(Config{Threshold: 3, Window: time.Minute, Cooldown: 90 * time.Second})
	ctx := context.Background()
	a := Attempt{Identifier: "user@x.com"}

	for i := 0; i < 3; i++ {
		_, err := l.RecordFailure(ctx, a)
		require.NoError(t, err)
	}
	clock.Advance(400 * time.Millisecond)

	var locked *LockedError
	require.True(t, errors.As(l.Check(ctx, a), &locked))
	secs := locked.RemainingSeconds()
	assert.Equal(t, 90, secs, "89.6s rounds up")

	clock.Advance(time.Duration(secs-1) * time.Second)
	assert.ErrorIs(t, l.Check(ctx, a), ErrRateLimited, "still locked one second early")

	clock.Advance(time.Second)
	assert.NoError(t, l.Check(ctx, a))
	n, _ := l.Failures(ctx, "user@x.com")
	assert.Zero(t, n, "an elapsed lock reads as clear")
}

func TestLimiter_IdentifiersAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(Config{Threshold: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.RecordFailure(ctx, Attempt{Identifier: "a@x.com"})
		require.NoError(t, err)
	}
	assert.ErrorIs(t, l.Check(ctx, Attempt{Identifier: "a@x.com"}), ErrRateLimited)
	assert.NoError(t, l.Check(ctx, Attempt{Identifier: "b@x.com"}))

	n, err := l.Failures(ctx, "b@x.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLimiter_IdentifierIsNormalised(t *testing.T) {
	l, _ := newTestLimiter(Config{Threshold: 2})
	ctx := context.Background()

	_, err := l.RecordFailure(ctx, Attempt{Identifier: "User@X.com"})
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, Attempt{Identifier: " user@x.com"})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Check(ctx, Attempt{Identifier: "USER@x.COM"}), ErrRateLimited)
}

func TestLimiter_AddressThreshold(t *testing.T) {
	l, _ := newTestLimiter(Config{Threshold: 100, AddressThreshold: 3})
	ctx := context.Background()

	for _, id := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		_, err := l.RecordFailure(ctx, Attempt{Identifier: id, Address: "203.0.113.7"})
		require.NoError(t, err)
	}

	err := l.Check(ctx, Attempt{Identifier: "d@x.com", Address: "203.0.113.7"})
	assert.ErrorIs(t, err, ErrRateLimited, "address lock applies to every identifier")
	assert.NoError(t, l.Check(ctx, Attempt{Identifier: "d@x.com", Address: "198.51.100.1"}))

	// A success clears the identifier but not the address.
	require.NoError(t, l.RecordSuccess(ctx, Attempt{Identifier: "a@x.com", Address: "203.0.113.7"}))
	assert.ErrorIs(t, l.Check(ctx, Attempt{Identifier: "a@x.com", Address: "203.0.113.7"}), ErrRateLimited)
}

func TestLimiter_AddressTrackingDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{Threshold: 100})
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		_, err := l.RecordFailure(ctx, Attempt{Identifier: "x", Address: "203.0.113.7"})
		require.NoError(t, err)
	}
	assert.NoError(t, l.Check(ctx, Attempt{Identifier: "y", Address: "203.0.113.7"}))
}

func TestLimiter_ConcurrentFailuresLockOnce(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	a := Attempt{Identifier: "race@x.com"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lockers int
	)
	for i := 0; i < 2*DefaultThreshold; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := l.RecordFailure(ctx, a)
			if !assert.NoError(t, err) {
				return
			}
			if st.Failures == DefaultThreshold {
				mu.Lock()
				lockers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, lockers)
	assert.ErrorIs(t, l.Check(ctx, a), ErrRateLimited)
}

type failingStore struct{}

func (failingStore) RecordFailure(context.Context, string, storage.Policy, time.Time) (storage.Counter, error) {
	return storage.Counter{}, storage.ErrUnavailable
}

func (failingStore) Counter(context.Context, string, time.Time) (storage.Counter, error) {
	return storage.Counter{}, storage.ErrUnavailable
}

func (failingStore) Reset(context.Context, string) error {
	return storage.ErrUnavailable
}

func TestLimiter_StoreErrorsAreNotLocks(t *testing.T) {
	l := New(failingStore{}, Config{})
	ctx := context.Background()
	a := Attempt{Identifier: "user@x.com"}

	err := l.Check(ctx, a)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRateLimited)

	_, err = l.RecordFailure(ctx, a)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, l.RecordSuccess(ctx, a), storage.ErrUnavailable)
}

// addressFailingStore fails every operation on address keys.
type addressFailingStore struct {
	storage.CounterStore
}

func (s addressFailingStore) RecordFailure(ctx context.Context, key string, p storage.Policy, now time.Time) (storage.Counter, error) {
	if strings.HasPrefix(key, addressPrefix) {
		return storage.Counter{}, storage.ErrUnavailable
	}
	return s.CounterStore.RecordFailure(ctx, key, p, now)
}

func TestLimiter_AddressErrorLeavesIdentifierUncounted(t *testing.T) {
	l := New(addressFailingStore{memory.NewStore()}, Config{AddressThreshold: 50})
	ctx := context.Background()
	a := Attempt{Identifier: "user@x.com", Address: "203.0.113.7"}

	_, err := l.RecordFailure(ctx, a)
	require.ErrorIs(t, err, storage.ErrUnavailable)

	n, err := l.Failures(ctx, a.Identifier)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_Defaults(t *testing.T) {
	l := New(memory.NewStore(), Config{})
	assert.Equal(t, storage.Policy{Threshold: DefaultThreshold, Window: DefaultWindow, Cooldown: DefaultCooldown}, l.Policy())
}

func TestLockedError_RemainingSeconds(t *testing.T) {
	now := time.Now()
	tests := []struct {
		remaining time.Duration
		want      int
	}{
		{90 * time.Second, 90},
		{89*time.Second + time.Millisecond, 90},
		{time.Millisecond, 1},
		{0, 1},
	}
	for _, tt := range tests {
		e := newLockedError(now.Add(tt.remaining), now)
		assert.Equal(t, tt.want, e.RemainingSeconds(), "remaining %v", tt.remaining)
	}
}

func TestWriteLocked(t *testing.T) {
	rec := httptest.NewRecorder()
	now := time.Now()
	WriteLocked(rec, newLockedError(now.Add(42*time.Second), now))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body LockedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.RateLimitExceeded)
	assert.Equal(t, 42, body.RemainingSeconds)
	assert.Contains(t, body.Error, "Too many failed login attempts")
}
