package notify

import "time"

// RetryPolicy is a fixed step schedule. Delays[i] is the wait before retry
// i+1; the last step repeats if MaxAttempts exceeds len(Delays).
type RetryPolicy struct {
	Delays      []time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays: []time.Duration{
			30 * time.Second,
			2 * time.Minute,
			10 * time.Minute,
			30 * time.Minute,
			2 * time.Hour,
		},
		MaxAttempts: 5,
	}
}

// Delay returns the wait after failedAttempts failures.
func (p RetryPolicy) Delay(failedAttempts int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if failedAttempts < 0 {
		failedAttempts = 0
	}
	if failedAttempts >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[failedAttempts]
}

func (p RetryPolicy) Exhausted(failedAttempts int) bool {
	return failedAttempts >= p.MaxAttempts
}
