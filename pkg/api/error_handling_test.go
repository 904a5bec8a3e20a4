package api

import (
	"testing"
	"time"
)

func TestGetRetryTimeSpanPicksNearestIteration(t *testing.T) {
	eh := ErrorHandling{
		Intervals:            map[int]time.Duration{0: time.Second, 5: 10 * time.Second},
		DefaultRetryInterval: 3 * time.Second,
	}

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{2, time.Second},
		{3, 10 * time.Second},
		{5, 10 * time.Second},
		{42, 10 * time.Second},
	}
	for _, c := range cases {
		got, ok := eh.GetRetryTimeSpan(c.n)
		if !ok {
			t.Fatalf("n=%d: expected a delay", c.n)
		}
		if got != c.want {
			t.Fatalf("n=%d: expected %v, got %v", c.n, c.want, got)
		}
	}
}

func TestGetRetryTimeSpanTieBreaksOnSmallerDelay(t *testing.T) {
	eh := ErrorHandling{Intervals: map[int]time.Duration{2: 20 * time.Second, 4: 5 * time.Second}}

	got, ok := eh.GetRetryTimeSpan(3)
	if !ok || got != 5*time.Second {
		t.Fatalf("expected 5s on tie, got %v (ok=%v)", got, ok)
	}
}

func TestGetRetryTimeSpanFallsBackToDefault(t *testing.T) {
	eh := ErrorHandling{DefaultRetryInterval: 7 * time.Second}
	if got, ok := eh.GetRetryTimeSpan(3); !ok || got != 7*time.Second {
		t.Fatalf("empty table: expected default 7s, got %v (ok=%v)", got, ok)
	}

	eh.Intervals = map[int]time.Duration{-1: time.Minute}
	if got, ok := eh.GetRetryTimeSpan(3); !ok || got != 7*time.Second {
		t.Fatalf("negative keys only: expected default 7s, got %v (ok=%v)", got, ok)
	}
}

func TestCanRetryIsMonotonic(t *testing.T) {
	for max := 0; max < 6; max++ {
		eh := ErrorHandling{MaxRetryCount: IntPtr(max)}
		denied := false
		for n := 0; n < 10; n++ {
			ok := eh.CanRetry(n)
			if denied && ok {
				t.Fatalf("max=%d: CanRetry(%d) true after an earlier false", max, n)
			}
			if !ok {
				denied = true
			}
		}
	}

	var unlimited ErrorHandling
	if !unlimited.CanRetry(1 << 20) {
		t.Fatalf("unset MaxRetryCount must always allow retries")
	}
}

func TestRetryBoundaryIsConsistent(t *testing.T) {
	eh := ErrorHandling{MaxRetryCount: IntPtr(3), DefaultRetryInterval: time.Second}

	for n := 0; n < 6; n++ {
		_, ok := eh.GetRetryTimeSpan(n)
		if ok != eh.CanRetry(n) {
			t.Fatalf("n=%d: GetRetryTimeSpan ok=%v disagrees with CanRetry=%v", n, ok, eh.CanRetry(n))
		}
	}
	if !eh.CanRetry(2) || eh.CanRetry(3) {
		t.Fatalf("expected retries allowed below 3 and denied at 3")
	}
}

func TestGetFirstRetryTimeSpan(t *testing.T) {
	if _, ok := (ErrorHandling{MaxRetryCount: IntPtr(0)}).GetFirstRetryTimeSpan(); ok {
		t.Fatalf("MaxRetryCount=0 must disable the first retry")
	}

	d, ok := (ErrorHandling{DefaultRetryInterval: 2 * time.Second}).GetFirstRetryTimeSpan()
	if !ok || d != 2*time.Second {
		t.Fatalf("expected default 2s, got %v (ok=%v)", d, ok)
	}

	eh := ErrorHandling{
		Intervals:            map[int]time.Duration{-3: time.Hour, 4: 4 * time.Second, 1: 500 * time.Millisecond},
		DefaultRetryInterval: time.Minute,
	}
	d, ok = eh.GetFirstRetryTimeSpan()
	if !ok || d != 500*time.Millisecond {
		t.Fatalf("expected smallest non-negative key delay 500ms, got %v (ok=%v)", d, ok)
	}
}

func TestNextIntervalUsesFirstSpanThenTable(t *testing.T) {
	eh := ErrorHandling{
		Intervals:     map[int]time.Duration{1: time.Second, 3: 9 * time.Second},
		MaxRetryCount: IntPtr(4),
	}

	// Retry 1 uses the smallest key, later retries the nearest one.
	want := []time.Duration{time.Second, time.Second, 9 * time.Second}
	for i, w := range want {
		n := i + 1
		got, ok := eh.NextInterval(n)
		if !ok || got != w {
			t.Fatalf("n=%d: expected %v, got %v (ok=%v)", n, w, got, ok)
		}
	}
	if _, ok := eh.NextInterval(4); ok {
		t.Fatalf("expected no interval once the budget is spent")
	}
}
