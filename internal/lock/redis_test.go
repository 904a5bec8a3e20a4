package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestra/internal/testutil"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisLockerSuite(t *testing.T) {
	client := newTestRedisClient(t)
	suite.Run(t, &LockerSuite{newLocker: func() Locker {
		return NewRedisLocker(client, "orchestra:locktest:")
	}})
}

func TestRedisLockerWatch(t *testing.T) {
	client := newTestRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewRedisLocker(client, "orchestra:watchtest:")
	ch, err := watcher.Watch(ctx)
	require.NoError(t, err)

	peer := NewRedisLocker(client, "orchestra:watchtest:")
	k := Key("billing::1::watched")
	res, err := peer.AcquireLock(ctx, k, "host-b", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	res, err = peer.ReleaseLock(ctx, k, SyncData{Owner: "host-b", Changed: true})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	select {
	case got := <-ch:
		require.Equal(t, string(k), got)
	case <-time.After(5 * time.Second):
		t.Fatalf("no sync notification")
	}
}
