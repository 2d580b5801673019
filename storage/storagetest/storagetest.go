// Package storagetest is a conformance suite for storage.CounterStore
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/marquee/storage"
)

// Policy is the policy used by the suite.
var Policy = storage.Policy{Threshold: 10, Window: 15 * time.Minute, Cooldown: 5 * time.Minute}

// Start is the suite's reference time. It is millisecond aligned so that
// backends storing millisecond timestamps compare equal.
var Start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises newStore against the CounterStore contract. Each subtest
// receives a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) storage.CounterStore) {
	ctx := context.Background()

	t.Run("MissingKeyIsZero", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Counter(ctx, "nobody", Start)
		if err != nil {
			t.Fatalf("Counter failed: %v", err)
		}
		if c.Failures != 0 || c.Locked(Start) {
			t.Errorf("expected zero counter, got %+v", c)
		}
	})

	t.Run("AccumulatesThenLocks", func(t *testing.T) {
		s := newStore(t)
		var c storage.Counter
		var err error
		for i := 1; i < Policy.Threshold; i++ {
			c, err = s.RecordFailure(ctx, "a", Policy, Start.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Fatalf("RecordFailure %d failed: %v", i, err)
			}
			if c.Failures != i {
				t.Fatalf("expected %d failures, got %d", i, c.Failures)
			}
			if c.Locked(Start.Add(time.Duration(i) * time.Second)) {
				t.Fatalf("locked after %d failures", i)
			}
		}
		if !c.WindowStartedAt.Equal(Start.Add(time.Second)) {
			t.Errorf("window should start at first failure, got %v", c.WindowStartedAt)
		}

		lockAt := Start.Add(time.Minute)
		c, err = s.RecordFailure(ctx, "a", Policy, lockAt)
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if !c.Locked(lockAt) {
			t.Fatalf("expected lock at threshold, got %+v", c)
		}
		if !c.LockedUntil.Equal(lockAt.Add(Policy.Cooldown)) {
			t.Errorf("expected lockedUntil %v, got %v", lockAt.Add(Policy.Cooldown), c.LockedUntil)
		}

		read, err := s.Counter(ctx, "a", lockAt.Add(time.Second))
		if err != nil {
			t.Fatalf("Counter failed: %v", err)
		}
		if read.Failures != Policy.Threshold || !read.LockedUntil.Equal(c.LockedUntil) {
			t.Errorf("read back %+v, want %+v", read, c)
		}
	})

	t.Run("LockElapses", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < Policy.Threshold; i++ {
			if _, err := s.RecordFailure(ctx, "a", Policy, Start); err != nil {
				t.Fatalf("RecordFailure failed: %v", err)
			}
		}
		c, _ := s.Counter(ctx, "a", Start.Add(Policy.Cooldown-time.Millisecond))
		if !c.Locked(Start.Add(Policy.Cooldown - time.Millisecond)) {
			t.Fatalf("expected lock just before cooldown end, got %+v", c)
		}
		c, _ = s.Counter(ctx, "a", Start.Add(Policy.Cooldown))
		if c.Failures != 0 {
			t.Errorf("expected reset at cooldown end, got %+v", c)
		}
		c, _ = s.RecordFailure(ctx, "a", Policy, Start.Add(Policy.Cooldown))
		if c.Failures != 1 {
			t.Errorf("expected fresh window after lock, got %d failures", c.Failures)
		}
	})

	t.Run("WindowExpires", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			s.RecordFailure(ctx, "a", Policy, Start)
		}
		c, _ := s.RecordFailure(ctx, "a", Policy, Start.Add(Policy.Window))
		if c.Failures != 1 {
			t.Errorf("expected count to restart after window, got %d", c.Failures)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		s := newStore(t)
		s.RecordFailure(ctx, "a", Policy, Start)
		if err := s.Reset(ctx, "a"); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		c, _ := s.Counter(ctx, "a", Start)
		if c.Failures != 0 {
			t.Errorf("expected zero after reset, got %d", c.Failures)
		}
		if err := s.Reset(ctx, "never-seen"); err != nil {
			t.Errorf("Reset of missing key failed: %v", err)
		}
	})

	t.Run("KeysAreIsolated", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < Policy.Threshold; i++ {
			s.RecordFailure(ctx, "a", Policy, Start)
		}
		c, _ := s.Counter(ctx, "b", Start)
		if c.Failures != 0 {
			t.Errorf("failures for a leaked into b: %+v", c)
		}
	})

	t.Run("ConcurrentFailuresSerialise", func(t *testing.T) {
		s := newStore(t)
		const workers = 25
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			counts  = make(map[int]bool)
			lockers int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := s.RecordFailure(ctx, "race", Policy, Start)
				if err != nil {
					t.Errorf("RecordFailure failed: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				counts[c.Failures] = true
				if c.Failures == Policy.Threshold {
					lockers++
				}
			}()
		}
		wg.Wait()

		if len(counts) != workers {
			t.Errorf("expected %d distinct counts, got %d", workers, len(counts))
		}
		if lockers != 1 {
			t.Errorf("expected exactly one failure to reach the threshold, got %d", lockers)
		}
		c, _ := s.Counter(ctx, "race", Start)
		if c.Failures != workers {
			t.Errorf("expected %d failures, got %d", workers, c.Failures)
		}
	})
}
