package reconnect

import "time"

// DefaultInterval is the fixed retry interval used when no backoff is configured.
const DefaultInterval = 5 * time.Second

// Schedule defines the backoff durations for successive reconnect attempts
// when backoff is enabled.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Policy decides when, and whether, the next automatic reconnection happens.
// The zero value retries forever every DefaultInterval.
type Policy struct {
	// Interval is the fixed delay between attempts; zero means DefaultInterval.
	Interval time.Duration
	// Backoff switches from the fixed interval to the stepped Schedule.
	Backoff bool
	// MaxAttempts caps consecutive automatic attempts; zero is unbounded.
	MaxAttempts int
}

// Next returns the delay before automatic attempt number attempt (zero based)
// and false when the policy gives up.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.Backoff {
		return Delay(attempt), true
	}
	if p.Interval > 0 {
		return p.Interval, true
	}
	return DefaultInterval, true
}
