package dispatcher

import "time"

// DefaultBackoffSchedule is the fixed delay per retry attempt: 1min, 5min,
// 15min. Deterministic on purpose - no jitter - so worst-case time to
// failure detection is predictable and the schedule is directly testable.
var DefaultBackoffSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Backoff maps a retry attempt index to its redelivery delay.
type Backoff struct {
	schedule []time.Duration
}

// NewBackoff builds a backoff policy from a monotonically increasing
// schedule. An empty schedule falls back to the default.
func NewBackoff(schedule []time.Duration) Backoff {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	return Backoff{schedule: schedule}
}

// Delay returns the delay before attempt retryCount+1. Attempts past the end
// of the schedule reuse the final delay.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(b.schedule) {
		return b.schedule[len(b.schedule)-1]
	}
	return b.schedule[retryCount]
}
