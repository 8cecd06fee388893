// Package retry holds the reconnect policy and the single timer primitive the
// tracker schedules work with. Both are injectable so retry behaviour can be
// tested without real time passing.
package retry

import (
	"time"
)

// DefaultDelay is the flat reconnect delay.
const DefaultDelay = 5 * time.Second

// Policy bounds a retry loop. Attempts are 1-based.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Fixed waits the same delay before every attempt.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(int) time.Duration {
			return delay
		},
	}
}

// Exponential doubles the delay per attempt starting at base, capped at max.
func Exponential(maxAttempts int, base, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			delay := base
			for i := 1; i < attempt; i++ {
				delay *= 2
				if max > 0 && delay >= max {
					return max
				}
			}
			return delay
		},
	}
}

// Next returns the delay before the given attempt, or false once the budget
// is spent.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	if p.Backoff == nil {
		return 0, true
	}
	delay := p.Backoff(attempt)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// Scheduler runs a callback after the delay the policy assigns to an attempt.
type Scheduler struct {
	policy Policy
	clock  Clock
}

// NewScheduler binds a policy to a clock. A nil clock uses wall time.
func NewScheduler(policy Policy, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{policy: policy, clock: clock}
}

// Schedule arms fn for attempt. It returns false without arming anything when
// the attempt is outside the budget.
func (s *Scheduler) Schedule(attempt int, fn func()) (Timer, time.Duration, bool) {
	delay, ok := s.policy.Next(attempt)
	if !ok {
		return nil, 0, false
	}
	return s.clock.AfterFunc(delay, fn), delay, true
}

// Policy returns the bound policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}
