// ABOUTME: Retry policy for step attempts: bounded attempt count with a fixed delay between failures.
// ABOUTME: Also carries the per-call timeout applied to every model request.
package executor

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultCallTimeout = 60 * time.Second
	DefaultStepPause   = 1 * time.Second
)

// RetryPolicy controls how a step is driven to success or exhaustion.
type RetryPolicy struct {
	MaxAttempts int           // minimum 1 (1 = no retries)
	Delay       time.Duration // fixed wait between failed attempts
	CallTimeout time.Duration // bound on each model call; 0 disables the bound
}

// DefaultRetryPolicy returns three attempts, two seconds apart, each bounded to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
		CallTimeout: DefaultCallTimeout,
	}
}

// normalized clamps nonsensical values so the runner can trust the policy.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.CallTimeout < 0 {
		p.CallTimeout = 0
	}
	return p
}
