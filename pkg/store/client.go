// Package store mirrors the captcha registry into Redis so that operators and
// dashboards outside the process can inspect outstanding challenges.
//
// Key layout:
//   - captcha:task:{id}: JSON snapshot of a task
//   - captcha:index: set of mirrored task ids
//   - captcha:pending: sorted set of waiting task ids scored by deadline
//   - captcha:answer:{id}: last answer of a task, kept for 24 hours
//
// Redis is never the source of truth: the in-memory manager is.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	indexKey   = "captcha:index"
	pendingKey = "captcha:pending"
	answerTTL  = 24 * time.Hour
	jobTimeout = 30 * time.Second
)

func taskKey(id string) string   { return fmt.Sprintf("captcha:task:%s", id) }
func answerKey(id string) string { return fmt.Sprintf("captcha:answer:%s", id) }

// Client manages the connection to Redis and the background cron scheduler.
type Client struct {
	rdb  *redis.Client
	cron *cron.Cron
}

// NewClient creates a new store client connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Client{
		rdb:  rdb,
		cron: cron.New(cron.WithSeconds()),
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Save writes snap and indexes it. Waiting tasks are added to the pending
// set, anything else is taken out of it.
func (c *Client) Save(ctx context.Context, snap captcha.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(snap.ID), data, 0)
	pipe.SAdd(ctx, indexKey, snap.ID)
	if snap.Waiting {
		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  float64(snap.WaitUntil.UnixNano()),
			Member: snap.ID,
		})
	} else {
		pipe.ZRem(ctx, pendingKey, snap.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops a mirrored task. The stored answer is left to expire.
func (c *Client) Remove(ctx context.Context, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, indexKey, id)
	pipe.ZRem(ctx, pendingKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the mirrored snapshot of a task, or redis.Nil.
func (c *Client) Get(ctx context.Context, id string) (*captcha.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var snap captcha.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Mirrored returns the ids of every mirrored task.
func (c *Client) Mirrored(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, indexKey).Result()
}

// Pending returns up to limit waiting tasks, earliest deadline first.
func (c *Client) Pending(ctx context.Context, limit int64) ([]captcha.Snapshot, error) {
	ids, err := c.rdb.ZRange(ctx, pendingKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	raws, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	snaps := make([]captcha.Snapshot, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// removed between ZRANGE and MGET
			continue
		}
		var snap captcha.Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Expired counts pending tasks whose deadline is before now.
func (c *Client) Expired(ctx context.Context, now time.Time) (int64, error) {
	return c.rdb.ZCount(ctx, pendingKey, "-inf", fmt.Sprintf("(%d", now.UnixNano())).Result()
}

// RecordAnswer stores the answer of a task as JSON with a 24-hour TTL.
func (c *Client) RecordAnswer(ctx context.Context, id string, answer any) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, answerKey(id), data, answerTTL).Err()
}

// Answer returns the raw JSON answer of a task, or redis.Nil.
func (c *Client) Answer(ctx context.Context, id string) (string, error) {
	return c.rdb.Get(ctx, answerKey(id)).Result()
}

// Stats returns the number of mirrored and pending tasks.
func (c *Client) Stats(ctx context.Context) map[string]int64 {
	stats := make(map[string]int64)
	if n, err := c.rdb.SCard(ctx, indexKey).Result(); err == nil {
		stats["mirrored"] = n
	}
	if n, err := c.rdb.ZCard(ctx, pendingKey).Result(); err == nil {
		stats["pending"] = n
	}
	if n, err := c.Expired(ctx, time.Now()); err == nil {
		stats["expired"] = n
	}
	return stats
}

// Allow checks if one more request under key fits the rate limit.
// It uses a Token Bucket algorithm implemented in Lua.
//
// Parameters:
//   - key: Unique key for the rate limit (e.g., "ratelimit:answer:{session}")
//   - limit: Number of tokens added per second (rate)
//   - burst: Maximum number of tokens in the bucket (capacity)
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	result, err := allowScript.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		time.Now().Unix(),
		1,
	).Result()
	if err != nil {
		return false, err
	}

	return result.(int64) == 1, nil
}

// KEYS[1]: Rate limit key
// ARGV[1]: Rate (tokens/sec)
// ARGV[2]: Burst (capacity)
// ARGV[3]: Current timestamp (seconds)
// ARGV[4]: Tokens to consume (1)
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	else
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 0
	end
`)

// Schedule registers fn to run on the cron spec (e.g. "@every 5s").
func (c *Client) Schedule(spec string, name string, fn func(ctx context.Context) error) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logger.Log.Error().Err(err).Str("job", name).Str("spec", spec).Msg("Scheduled job failed")
		}
	})
}

// StartCron starts the cron scheduler in a background goroutine.
func (c *Client) StartCron() {
	c.cron.Start()
}

// StopCron stops the cron scheduler and waits for running jobs.
func (c *Client) StopCron() {
	<-c.cron.Stop().Done()
}
