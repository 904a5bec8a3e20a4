package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestra/internal/testutil"
)

const redisTestPrefix = "orchestra:test:"

func TestRedisStoreSuite(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	run := 0
	suite.Run(t, &StoreSuite{newStore: func() Store {
		// Clean up all keys with this prefix.
		iter := client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			require.NoError(t, client.Del(ctx, iter.Val()).Err())
		}
		require.NoError(t, iter.Err())
		run++
		return NewRedisStore(client, fmt.Sprintf("%s%d:", redisTestPrefix, run))
	}})
}

func TestRedisStoreDefaultPrefix(t *testing.T) {
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	require.Equal(t, "orchestra:inst:x", store.keyInstance("x"))
}
