package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker and Watcher.
type MemoryLocker struct {
	mu       sync.Mutex
	leases   map[string]lease
	watchers map[chan string]struct{}

	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases:   make(map[string]lease),
		watchers: make(map[chan string]struct{}),
		Now:      time.Now,
	}
}

func (m *MemoryLocker) AcquireLock(_ context.Context, kf KeyFactory, owner string, expiresAt time.Time) (Result, error) {
	key := kf.LockKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if ok && cur.owner != owner && cur.owner != "" && cur.expiresAt.After(m.Now()) {
		return Result{LockedBy: cur.owner}, nil
	}
	m.leases[key] = lease{owner: owner, expiresAt: expiresAt}
	return Result{Succeeded: true}, nil
}

func (m *MemoryLocker) ReleaseLock(_ context.Context, kf KeyFactory, data SyncData) (Result, error) {
	key := kf.LockKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if ok && cur.owner != data.Owner {
		return Result{LockedBy: cur.owner}, nil
	}
	delete(m.leases, key)

	if data.Changed {
		for ch := range m.watchers {
			select {
			case ch <- key:
			default:
				// Slow watcher; the periodic sweep covers missed keys.
			}
		}
	}
	return Result{Succeeded: true}, nil
}

// Holder returns the current unexpired owner of key.
func (m *MemoryLocker) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || !cur.expiresAt.After(m.Now()) {
		return "", false
	}
	return cur.owner, true
}

func (m *MemoryLocker) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}
