package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pops the earliest due member of the schedule and returns its payload.
// KEYS[1] schedule zset, KEYS[2] payload hash, ARGV[1] now (unix millis).
const redisClaimLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
local data = redis.call('HGET', KEYS[2], ids[1])
redis.call('HDEL', KEYS[2], ids[1])
return data
`

// RedisQueue is a persistent task queue in Redis. Tasks live in a hash
// keyed by a sequence number; a sorted set scored by the due time orders
// them.
//
//	<prefix>tasks:schedule  zset  seq -> not_before
//	<prefix>tasks:payload   hash  seq -> encoded task
//	<prefix>tasks:seq       counter
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue returns a queue under prefix ("orchestra:" when empty).
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "orchestra:"
	}
	return &RedisQueue{client: client, prefix: prefix, pollInterval: 50 * time.Millisecond}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) scheduleKey() string { return q.prefix + "tasks:schedule" }
func (q *RedisQueue) payloadKey() string  { return q.prefix + "tasks:payload" }
func (q *RedisQueue) seqKey() string      { return q.prefix + "tasks:seq" }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	due := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		due = t.NotBefore
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate task sequence: %w", err)
	}
	// Zero padding keeps equal due times in enqueue order.
	member := fmt.Sprintf("%020d", seq)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey(), member, data)
		pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(due.UnixMilli()), Member: member})
		return nil
	})
	return err
}

func (q *RedisQueue) next(ctx context.Context) (*Task, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := q.client.Eval(ctx, redisClaimLua, []string{q.scheduleKey(), q.payloadKey()}, now).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected claim result %T", res)
	}
	return DecodeTask([]byte(s))
}

// Dequeue polls until a task is due or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	<-tmr.C
	defer tmr.Stop()

	for {
		t, err := q.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns the number of queued tasks, due or not.
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.scheduleKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
