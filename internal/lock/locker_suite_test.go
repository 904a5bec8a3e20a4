package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestra/pkg/api"
)

// LockerSuite checks the lease semantics every Locker shares.
type LockerSuite struct {
	suite.Suite
	ctx       context.Context
	newLocker func() Locker
	locker    Locker
	run       int
}

func (s *LockerSuite) SetupTest() {
	s.ctx = context.Background()
	s.locker = s.newLocker()
	s.run++
}

func (s *LockerSuite) key(name string) Key {
	return Key(fmt.Sprintf("billing::1::%s-%d", name, s.run))
}

func (s *LockerSuite) TestAcquireIsExclusiveAndReentrant() {
	k := s.key("order")
	exp := time.Now().Add(time.Minute)

	res, err := s.locker.AcquireLock(s.ctx, k, "host-a", exp)
	s.Require().NoError(err)
	s.True(res.Succeeded)

	res, err = s.locker.AcquireLock(s.ctx, k, "host-a", exp.Add(time.Minute))
	s.Require().NoError(err)
	s.True(res.Succeeded, "same owner must re-acquire")

	res, err = s.locker.AcquireLock(s.ctx, k, "host-b", exp)
	s.Require().NoError(err)
	s.False(res.Succeeded)
	s.Equal("host-a", res.LockedBy)

	var conflict *api.LockConflictError
	s.Require().ErrorAs(res.Conflict(k), &conflict)
	s.Equal("host-a", conflict.LockedBy)
	s.Equal(string(k), conflict.Key)
}

func (s *LockerSuite) TestReleaseRoundTrip() {
	k := s.key("round-trip")
	exp := time.Now().Add(time.Minute)

	res, err := s.locker.AcquireLock(s.ctx, k, "host-a", exp)
	s.Require().NoError(err)
	s.Require().True(res.Succeeded)

	res, err = s.locker.ReleaseLock(s.ctx, k, SyncData{Owner: "host-b"})
	s.Require().NoError(err)
	s.False(res.Succeeded, "mismatched owner must not release")
	s.Equal("host-a", res.LockedBy)

	res, err = s.locker.ReleaseLock(s.ctx, k, SyncData{Owner: "host-a", Changed: true})
	s.Require().NoError(err)
	s.True(res.Succeeded)

	res, err = s.locker.AcquireLock(s.ctx, k, "host-b", exp)
	s.Require().NoError(err)
	s.True(res.Succeeded, "released lease must be free")
}

func (s *LockerSuite) TestReleaseMissingSucceeds() {
	res, err := s.locker.ReleaseLock(s.ctx, s.key("missing"), SyncData{Owner: "host-a"})
	s.Require().NoError(err)
	s.True(res.Succeeded)
}

func (s *LockerSuite) TestExpiredLeaseIsTakenOver() {
	k := s.key("expiring")

	res, err := s.locker.AcquireLock(s.ctx, k, "host-a", time.Now().Add(30*time.Millisecond))
	s.Require().NoError(err)
	s.Require().True(res.Succeeded)

	time.Sleep(80 * time.Millisecond)

	res, err = s.locker.AcquireLock(s.ctx, k, "host-b", time.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.True(res.Succeeded, "expired lease must be taken over")
}

func (s *LockerSuite) TestConcurrentAcquireOnlyOne() {
	k := s.key("contended")
	exp := time.Now().Add(time.Minute)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			res, err := s.locker.AcquireLock(s.ctx, k, owner, exp)
			if err != nil || !res.Succeeded {
				return
			}
			mu.Lock()
			acquired = append(acquired, owner)
			mu.Unlock()
		}(fmt.Sprintf("host-%d", i))
	}
	wg.Wait()

	s.Len(acquired, 1, "expected exactly one acquirer, got %v", acquired)
}
