package stepflow

import (
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff doubles the delay after each retry, starting at
// initial and capped at max (no cap if max <= 0).
//
//	Retry(3).WithExponentialBackoff(10*time.Second, 5*time.Minute)
func (r RetryBuilder) WithExponentialBackoff(initial, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.BackoffExponential
	p.Backoff = initial
	p.MaxBackoff = max
	return RetryBuilder{policy: p}
}

// WithFibonacciBackoff grows the delay along the Fibonacci sequence.
func (r RetryBuilder) WithFibonacciBackoff(initial, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.BackoffFibonacci
	p.Backoff = initial
	p.MaxBackoff = max
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.BackoffConstant
	p.Backoff = delay
	p.MaxBackoff = 0
	return RetryBuilder{policy: p}
}

// WithJitter randomizes each delay by up to percent of its value.
func (r RetryBuilder) WithJitter(percent uint64) RetryBuilder {
	p := r.policy
	p.JitterPercent = percent
	return RetryBuilder{policy: p}
}

// On restricts retries to the given failure kinds.
func (r RetryBuilder) On(kinds ...FailureKind) RetryBuilder {
	p := r.policy
	p.RetryOn = append([]api.FailureKind(nil), kinds...)
	return RetryBuilder{policy: p}
}

// Immediate disables any delay between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Backoff = 0
	p.MaxBackoff = 0
	p.JitterPercent = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	p := r.policy
	p.RetryOn = append([]api.FailureKind(nil), r.policy.RetryOn...)
	return p
}
