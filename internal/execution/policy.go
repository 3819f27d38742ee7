package execution

import "time"

// Policy bounds polling: one status check every Interval, at most MaxAttempts checks.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPolicy polls every 10s for up to 10 minutes.
var DefaultPolicy = Policy{Interval: 10 * time.Second, MaxAttempts: 60}

// NextAt is when the attempt after one finishing at now should run.
func (p Policy) NextAt(now time.Time) time.Time {
	return now.Add(p.Interval)
}

// Exhausted reports whether attempt was the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Ceiling is the total wait the policy allows before giving up.
func (p Policy) Ceiling() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// Clock is the time source for scheduling. Tests inject a virtual one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
