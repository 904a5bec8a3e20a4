package orchestra

import (
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// DefaultRetryInterval is the delay used when a policy sets none.
const DefaultRetryInterval = api.DefaultRetryInterval

// RetryBuilder provides a fluent way to construct ErrorHandling values
// for use with Chain.WithRetry and Builder.DefaultRetry.
type RetryBuilder struct {
	policy ErrorHandling
}

// Retry allows up to maxRetries retries after the first attempt. The
// resulting policy's MaxRetryCount is maxRetries+1, the total number of
// attempts.
//
// maxRetries <= 0 disables retries: the first failure suspends the step.
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBuilder{policy: ErrorHandling{
		MaxRetryCount:        api.IntPtr(maxRetries + 1),
		DefaultRetryInterval: api.DefaultRetryInterval,
	}}
}

// RetryForever retries without bound.
func RetryForever() RetryBuilder {
	return RetryBuilder{policy: ErrorHandling{DefaultRetryInterval: api.DefaultRetryInterval}}
}

// Every sets the interval used for retries without an explicit entry.
func (r RetryBuilder) Every(d time.Duration) RetryBuilder {
	p := r.clone()
	p.DefaultRetryInterval = d
	return RetryBuilder{policy: p}
}

// At sets the delay for retry number n (1-based). Retries without an entry
// use the nearest configured one; the first retry uses the smallest key.
//
//	Retry(10).At(1, time.Second).At(5, 10*time.Second)
func (r RetryBuilder) At(n int, d time.Duration) RetryBuilder {
	p := r.clone()
	if p.Intervals == nil {
		p.Intervals = make(map[int]time.Duration)
	}
	p.Intervals[n] = d
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff fills retries 1..n with delays starting at
// initial and growing by multiplier, capped at max when max > 0. Later
// retries reuse the last delay.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration, n int) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	out := r
	d := initial
	for i := 1; i <= n; i++ {
		if max > 0 && d > max {
			d = max
		}
		out = out.At(i, d)
		d = time.Duration(float64(d) * multiplier)
	}
	return out
}

// Policy returns the underlying ErrorHandling.
func (r RetryBuilder) Policy() ErrorHandling {
	return r.clone()
}

func (r RetryBuilder) clone() ErrorHandling {
	p := r.policy
	if r.policy.Intervals != nil {
		p.Intervals = make(map[int]time.Duration, len(r.policy.Intervals))
		for k, v := range r.policy.Intervals {
			p.Intervals[k] = v
		}
	}
	if r.policy.MaxRetryCount != nil {
		p.MaxRetryCount = api.IntPtr(*r.policy.MaxRetryCount)
	}
	return p
}
