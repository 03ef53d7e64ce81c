package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ergohq/ergo/internal/domain/job"
)

// RedisBroker implements Broker on top of Redis sorted sets and hashes.
// Per stage:
//
//	<prefix>:<stage>:delayed   ZSET job_id -> earliest_run_at (unix ms)
//	<prefix>:<stage>:runnable  ZSET job_id -> promotion time (FIFO order)
//	<prefix>:<stage>:leased    ZSET job_id -> lease expiry (unix ms)
//	<prefix>:<stage>:jobs      HASH job_id -> job JSON
//
// Promotion and dequeue are Lua scripts so each job id moves atomically.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a broker over an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, prefix: "ergo:queue"}
}

// NewRedisBrokerURL connects to the broker at the given REDIS_URL.
func NewRedisBrokerURL(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBroker(redis.NewClient(opts)), nil
}

func (b *RedisBroker) keys(stage job.Stage) (delayed, runnable, leased, jobs string) {
	base := fmt.Sprintf("%s:%s", b.prefix, stage)
	return base + ":delayed", base + ":runnable", base + ":leased", base + ":jobs"
}

func unixMilli(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }

var pushScript = redis.NewScript(`
local delayed, runnable, jobs = KEYS[1], KEYS[2], KEYS[3]
local id, payload, runAt, now = ARGV[1], ARGV[2], tonumber(ARGV[3]), tonumber(ARGV[4])
if redis.call('HEXISTS', jobs, id) == 1 then
	return 0
end
redis.call('HSET', jobs, id, payload)
if runAt > now then
	redis.call('ZADD', delayed, runAt, id)
else
	redis.call('ZADD', runnable, now, id)
end
return 1
`)

func (b *RedisBroker) Push(ctx context.Context, j job.Job) error {
	delayed, runnable, _, jobs := b.keys(j.Stage)
	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}
	now := time.Now()
	err = pushScript.Run(ctx, b.client, []string{delayed, runnable, jobs},
		j.ID, string(payload), unixMilli(j.EarliestRun), unixMilli(now)).Err()
	if err != nil {
		return brokerErr(err)
	}
	return nil
}

var popScript = redis.NewScript(`
local runnable, leased, jobs = KEYS[1], KEYS[2], KEYS[3]
local max, expiry = tonumber(ARGV[1]), tonumber(ARGV[2])
local ids = redis.call('ZRANGE', runnable, 0, max - 1)
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', runnable, id)
	local payload = redis.call('HGET', jobs, id)
	if payload then
		local decoded = cjson.decode(payload)
		decoded['attempts'] = (decoded['attempts'] or 0) + 1
		local updated = cjson.encode(decoded)
		redis.call('HSET', jobs, id, updated)
		redis.call('ZADD', leased, expiry, id)
		out[#out + 1] = updated
	end
end
return out
`)

func (b *RedisBroker) Pop(ctx context.Context, stage job.Stage, max int, lease time.Duration) ([]job.Job, error) {
	_, runnable, leased, jobs := b.keys(stage)
	if max <= 0 {
		max = 1
	}
	expiry := time.Now().Add(lease)
	raw, err := popScript.Run(ctx, b.client, []string{runnable, leased, jobs}, max, unixMilli(expiry)).Result()
	if err != nil {
		return nil, brokerErr(err)
	}
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return nil, ErrDequeueEmpty
	}

	popped := make([]job.Job, 0, len(items))
	for _, item := range items {
		encoded, ok := item.(string)
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(encoded), &j); err != nil {
			return nil, fmt.Errorf("decode popped job: %w", err)
		}
		j.LeaseExpiry = expiry
		popped = append(popped, j)
	}
	if len(popped) == 0 {
		return nil, ErrDequeueEmpty
	}
	return popped, nil
}

var ackScript = redis.NewScript(`
local delayed, runnable, leased, jobs = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id = ARGV[1]
if redis.call('HEXISTS', jobs, id) == 0 then
	return 0
end
if not redis.call('ZSCORE', leased, id) then
	return -1
end
redis.call('ZREM', delayed, id)
redis.call('ZREM', runnable, id)
redis.call('ZREM', leased, id)
redis.call('HDEL', jobs, id)
return 1
`)

func (b *RedisBroker) Ack(ctx context.Context, stage job.Stage, id string) error {
	delayed, runnable, leased, jobs := b.keys(stage)
	res, err := ackScript.Run(ctx, b.client, []string{delayed, runnable, leased, jobs}, id).Int()
	if err != nil {
		return brokerErr(err)
	}
	if res == -1 {
		return ErrLeaseLost
	}
	return nil
}

var requeueScript = redis.NewScript(`
local delayed, runnable, leased, jobs = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id, runAt = ARGV[1], tonumber(ARGV[2])
local payload = redis.call('HGET', jobs, id)
if not payload then
	return -1
end
redis.call('ZREM', leased, id)
redis.call('ZREM', runnable, id)
local decoded = cjson.decode(payload)
decoded['earliest_run_at'] = ARGV[3]
decoded['lease_expiry'] = nil
redis.call('HSET', jobs, id, cjson.encode(decoded))
redis.call('ZADD', delayed, runAt, id)
return 1
`)

func (b *RedisBroker) Requeue(ctx context.Context, stage job.Stage, id string, runAt time.Time) error {
	delayed, runnable, leased, jobs := b.keys(stage)
	res, err := requeueScript.Run(ctx, b.client, []string{delayed, runnable, leased, jobs},
		id, unixMilli(runAt), runAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return brokerErr(err)
	}
	if res == -1 {
		return ErrLeaseLost
	}
	return nil
}

var extendScript = redis.NewScript(`
local leased = KEYS[1]
local id, expiry = ARGV[1], tonumber(ARGV[2])
if not redis.call('ZSCORE', leased, id) then
	return -1
end
redis.call('ZADD', leased, expiry, id)
return 1
`)

func (b *RedisBroker) ExtendLease(ctx context.Context, stage job.Stage, id string, d time.Duration) error {
	_, _, leased, _ := b.keys(stage)
	res, err := extendScript.Run(ctx, b.client, []string{leased}, id, unixMilli(time.Now().Add(d))).Int()
	if err != nil {
		return brokerErr(err)
	}
	if res == -1 {
		return ErrLeaseLost
	}
	return nil
}

var tickScript = redis.NewScript(`
local delayed, runnable, leased = KEYS[1], KEYS[2], KEYS[3]
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
for _, id in ipairs(due) do
	redis.call('ZREM', delayed, id)
	redis.call('ZADD', runnable, now, id)
end
local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', now - 1)
for _, id in ipairs(expired) do
	redis.call('ZREM', leased, id)
	redis.call('ZADD', runnable, now, id)
end
return #due + #expired
`)

func (b *RedisBroker) Tick(ctx context.Context, stage job.Stage, now time.Time) error {
	delayed, runnable, leased, _ := b.keys(stage)
	err := tickScript.Run(ctx, b.client, []string{delayed, runnable, leased}, unixMilli(now)).Err()
	return brokerErr(err)
}

func (b *RedisBroker) Contains(ctx context.Context, stage job.Stage, id string) (bool, error) {
	_, _, _, jobs := b.keys(stage)
	exists, err := b.client.HExists(ctx, jobs, id).Result()
	if err != nil {
		return false, brokerErr(err)
	}
	return exists, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return brokerErr(b.client.Ping(ctx).Err())
}

func brokerErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

var _ Broker = (*RedisBroker)(nil)
