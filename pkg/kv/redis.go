// pkg/kv/redis.go
package kv

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a hash per key (fields: v, ver) so that value
// and version move together. Writes go through Lua to stay atomic under
// concurrent callers across processes.
type Redis struct {
	cli    *redis.Client
	prefix string
}

func NewRedis(cli *redis.Client, prefix string) *Redis {
	return &Redis{cli: cli, prefix: prefix}
}

var (
	putScript = redis.NewScript(`
local ver = redis.call('HINCRBY', KEYS[1], 'ver', 1)
redis.call('HSET', KEYS[1], 'v', ARGV[1])
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) else redis.call('PERSIST', KEYS[1]) end
return ver`)

	putIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', 1)
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return 1`)

	casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur or cur ~= ARGV[3] then return 0 end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', tonumber(ARGV[3]) + 1)
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return 1`)
)

func (r *Redis) key(k string) string { return r.prefix + k }

func ttlMillis(ttl time.Duration) string {
	if ttl <= 0 {
		return "0"
	}
	return strconv.FormatInt(ttl.Milliseconds(), 10)
}

func (r *Redis) Get(ctx context.Context, key string) (Record, error) {
	vals, err := r.cli.HMGet(ctx, r.key(key), "v", "ver").Result()
	if err != nil {
		return Record{}, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return Record{}, ErrNotFound
	}
	var ver int64 = 1
	if s, ok := vals[1].(string); ok {
		ver, _ = strconv.ParseInt(s, 10, 64)
	}
	return Record{Value: []byte(raw), Version: ver}, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return putScript.Run(ctx, r.cli, []string{r.key(key)}, value, ttlMillis(ttl)).Err()
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := putIfAbsentScript.Run(ctx, r.cli, []string{r.key(key)}, value, ttlMillis(ttl)).Int()
	return n == 1, err
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, r.cli, []string{r.key(key)}, value, ttlMillis(ttl), strconv.FormatInt(expectedVersion, 10)).Int()
	return n == 1, err
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.cli.Del(ctx, r.key(key)).Result()
	return n > 0, err
}
