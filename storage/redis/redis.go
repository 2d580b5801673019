// Package redis provides a Redis-backed storage.CounterStore that can be
// shared by any number of server instances.
//
// Each counter is a hash with fields f (failures), s (window start), l
// (locked until) and e (reset time), all in Unix milliseconds. The
// read-increment-lock step runs as one Lua script, so Redis serialises
// concurrent failures for a key. The key TTL is set relative to the caller's
// clock so that stale counters are evicted even if never read again.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/marquee/storage"
)

// DefaultPrefix namespaces counter keys.
const DefaultPrefix = "mq:lc:"

const recordFailureScript = `
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])

local vals = redis.call("HMGET", KEYS[1], "f", "s", "l", "e")
local f = tonumber(vals[1]) or 0
local s = tonumber(vals[2]) or 0
local l = tonumber(vals[3]) or 0
local e = tonumber(vals[4]) or 0

if f > 0 and now >= e then
  f = 0
  s = 0
  l = 0
end
if f == 0 then
  s = now
  e = now + window
end
f = f + 1
if f >= threshold and l == 0 then
  l = now + cooldown
  e = l
end

redis.call("HSET", KEYS[1], "f", f, "s", s, "l", l, "e", e)
redis.call("PEXPIRE", KEYS[1], math.max(e - now, 1))
return {f, s, l, e}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// Store implements storage.CounterStore on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.CounterStore = (*Store)(nil)

// NewStore returns a Store using client. An empty prefix selects DefaultPrefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) RecordFailure(ctx context.Context, key string, p storage.Policy, now time.Time) (storage.Counter, error) {
	res, err := recordFailureLua.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(), p.Threshold, p.Window.Milliseconds(), p.Cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if len(res) != 4 {
		return storage.Counter{}, fmt.Errorf("%w: unexpected script reply of length %d", storage.ErrUnavailable, len(res))
	}
	return counterFromMillis(res[0], res[1], res[2], res[3]), nil
}

func (s *Store) Counter(ctx context.Context, key string, now time.Time) (storage.Counter, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "f", "s", "l", "e").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.Counter{}, nil
		}
		return storage.Counter{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	var fields [4]int64
	for i, v := range vals {
		if i >= len(fields) {
			break
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return storage.Counter{}, fmt.Errorf("%w: corrupt counter field: %v", storage.ErrUnavailable, err)
		}
		fields[i] = n
	}
	return counterFromMillis(fields[0], fields[1], fields[2], fields[3]).Current(now), nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func counterFromMillis(f, started, locked, expires int64) storage.Counter {
	c := storage.Counter{Failures: int(f)}
	if f == 0 {
		return c
	}
	c.WindowStartedAt = time.UnixMilli(started).UTC()
	c.ExpiresAt = time.UnixMilli(expires).UTC()
	if locked > 0 {
		c.LockedUntil = time.UnixMilli(locked).UTC()
	}
	return c
}
