package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

func TestMemoryLockerSuite(t *testing.T) {
	suite.Run(t, &LockerSuite{newLocker: func() Locker { return NewMemoryLocker() }})
}

func TestMemoryLockerWatchReportsChangedReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewMemoryLocker()
	ch, err := l.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	k := Key("billing::1::a")
	if _, err := l.AcquireLock(ctx, k, "host-a", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := l.ReleaseLock(ctx, k, SyncData{Owner: "host-a"}); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := l.AcquireLock(ctx, k, "host-a", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := l.ReleaseLock(ctx, k, SyncData{Owner: "host-a", Changed: true}); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	select {
	case got := <-ch:
		if got != string(k) {
			t.Fatalf("expected %q, got %q", k, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sync notification")
	}
	select {
	case got := <-ch:
		t.Fatalf("unchanged release must not notify, got %q", got)
	default:
	}

	cancel()
	for range ch {
	}
}

func TestMemoryLockerHolderHonorsClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.Now = func() time.Time { return now }

	k := Key("k")
	if res, _ := l.AcquireLock(context.Background(), k, "host-a", now.Add(time.Second)); !res.Succeeded {
		t.Fatalf("expected acquire")
	}
	if owner, ok := l.Holder("k"); !ok || owner != "host-a" {
		t.Fatalf("expected holder host-a, got %q %v", owner, ok)
	}

	now = now.Add(2 * time.Second)
	if _, ok := l.Holder("k"); ok {
		t.Fatalf("expected lease to be expired")
	}
	if res, _ := l.AcquireLock(context.Background(), k, "host-b", now.Add(time.Second)); !res.Succeeded {
		t.Fatalf("expected takeover after expiry")
	}
}
