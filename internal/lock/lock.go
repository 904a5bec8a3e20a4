// Package lock provides the expiring, owner-tagged leases that keep a single
// host executing a given orchestration at a time.
//
// A lease is identified by a string key (see api.LockKey). Acquisition is
// re-entrant for the same owner and refreshes the expiry. An expired lease may
// be taken over by any owner. Releasing a lease that does not exist succeeds.
package lock

import (
	"context"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// KeyFactory yields the lease key for a resource.
type KeyFactory interface {
	LockKey() string
}

// Key is a literal lease key.
type Key string

func (k Key) LockKey() string { return string(k) }

// Result reports the outcome of an acquire or release.
type Result struct {
	Succeeded bool
	// LockedBy is the current holder when the call did not succeed.
	LockedBy string
}

// Conflict returns a *api.LockConflictError for a failed result, nil otherwise.
func (r Result) Conflict(kf KeyFactory) error {
	if r.Succeeded {
		return nil
	}
	return &api.LockConflictError{Key: kf.LockKey(), LockedBy: r.LockedBy}
}

// SyncData accompanies a release. Owner is verified against the holder.
// Changed marks that state was mutated inside the critical section, which
// lets watchers on other hosts re-evaluate the resource.
type SyncData struct {
	Owner   string
	Changed bool
}

// Locker is the distributed lock collaborator.
type Locker interface {
	AcquireLock(ctx context.Context, kf KeyFactory, owner string, expiresAt time.Time) (Result, error)
	ReleaseLock(ctx context.Context, kf KeyFactory, data SyncData) (Result, error)
}

// Watcher is implemented by lockers that broadcast releases with
// SyncData.Changed set. The channel yields lease keys and is closed when ctx
// is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}
