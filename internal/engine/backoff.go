package engine

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/stepflow/pkg/api"
)

// retryDelay returns the delay before retry number n (1-based) of a Task
// governed by p. The backoff sequence is rebuilt from scratch on every call
// since the attempt counter lives in the persisted record.
func retryDelay(p *api.RetryPolicy, n int) time.Duration {
	if p == nil || p.Backoff <= 0 || n <= 0 {
		return 0
	}

	var b retry.Backoff
	switch p.Strategy {
	case api.BackoffConstant:
		b = retry.NewConstant(p.Backoff)
	case api.BackoffFibonacci:
		b = retry.NewFibonacci(p.Backoff)
	default:
		b = retry.NewExponential(p.Backoff)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}

	var d time.Duration
	for i := 0; i < n; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
