package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertLockoutSpike      AlertType = "lockout_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts events inside a trailing window.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached, clearing the window so one spike raises one alert.
func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = append(c.times, now)
	c.times = trimWindow(c.times, now, c.window)
	if len(c.times) < c.threshold {
		return 0, false
	}
	n := len(c.times)
	c.times = c.times[:0]
	return n, true
}

// metricsCollector watches the audit stream for spikes across all
// identifiers, which the per-identifier limiter cannot see.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures slidingCounter
	lockouts      slidingCounter

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultLockoutWindow         = 5 * time.Minute
	defaultLockoutThreshold      = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: slidingCounter{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		lockouts:      slidingCounter{window: defaultLockoutWindow, threshold: defaultLockoutThreshold},
		alertFn:       alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditLoginRateLimited:
		m.record(&m.lockouts, AlertLockoutSpike, "rate-limited login attempts exceed threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if n, fire := c.add(now); fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: c.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
