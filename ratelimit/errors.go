package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches every *LockedError.
var ErrRateLimited = errors.New("too many failed login attempts")

// LockedError reports a refused attempt and when it may be retried.
type LockedError struct {
	Until     time.Time
	Remaining time.Duration
}

func newLockedError(until, now time.Time) *LockedError {
	return &LockedError{Until: until, Remaining: until.Sub(now)}
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: retry in %d seconds", ErrRateLimited, e.RemainingSeconds())
}

func (e *LockedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RemainingSeconds is the remaining lock rounded up to whole seconds, so a
// retry after that many seconds finds the lock lifted. It is at least 1.
func (e *LockedError) RemainingSeconds() int {
	secs := int((e.Remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
