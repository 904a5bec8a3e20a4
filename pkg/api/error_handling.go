package api

import "time"

// ErrorHandling is the retry policy applied to failing steps.
//
// Intervals maps a retry number to the delay used for it. Keys are sparse:
// retries without an entry use the nearest configured one. RetryCount on a
// pointer counts failures, and a failure is retried while
// CanRetry(RetryCount) holds after incrementing, so MaxRetryCount is the
// total number of attempts. A nil MaxRetryCount means unlimited retries.
type ErrorHandling struct {
	Intervals            map[int]time.Duration
	DefaultRetryInterval time.Duration
	MaxRetryCount        *int
}

// CanRetry reports whether another retry is allowed after n retries.
func (e ErrorHandling) CanRetry(n int) bool {
	return e.MaxRetryCount == nil || n < *e.MaxRetryCount
}

// GetFirstRetryTimeSpan returns the delay before the first retry.
// It returns false when retries are disabled (MaxRetryCount == 0).
func (e ErrorHandling) GetFirstRetryTimeSpan() (time.Duration, bool) {
	if e.MaxRetryCount != nil && *e.MaxRetryCount == 0 {
		return 0, false
	}
	first := -1
	for k := range e.Intervals {
		if k >= 0 && (first < 0 || k < first) {
			first = k
		}
	}
	if first < 0 {
		return e.DefaultRetryInterval, true
	}
	return e.Intervals[first], true
}

// GetRetryTimeSpan returns the delay to use after n retries. The entry whose
// key is closest to n wins; ties go to the smaller delay. It returns false
// when CanRetry(n) is false.
func (e ErrorHandling) GetRetryTimeSpan(n int) (time.Duration, bool) {
	if !e.CanRetry(n) {
		return 0, false
	}
	found := false
	bestDist := 0
	var best time.Duration
	for k, d := range e.Intervals {
		if k < 0 {
			continue
		}
		dist := k - n
		if dist < 0 {
			dist = -dist
		}
		if !found || dist < bestDist || (dist == bestDist && d < best) {
			found = true
			bestDist = dist
			best = d
		}
	}
	if !found {
		return e.DefaultRetryInterval, true
	}
	return best, true
}

// NextInterval returns the delay before retry n, where n is the failure
// count including the failure just observed. The first retry uses
// GetFirstRetryTimeSpan. It returns false when CanRetry(n) is false.
func (e ErrorHandling) NextInterval(n int) (time.Duration, bool) {
	if !e.CanRetry(n) {
		return 0, false
	}
	if n <= 1 {
		return e.GetFirstRetryTimeSpan()
	}
	return e.GetRetryTimeSpan(n)
}

// IntPtr is a small helper for setting MaxRetryCount.
func IntPtr(v int) *int { return &v }
