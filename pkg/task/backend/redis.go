package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a remote CAS Storage Backend implementation atop
// go-redis, the "how a remote backend plugs in through the same
// contract" example named in spec.md §9's design notes. Each key is
// stored as a Redis hash with a "value" field and a "version" field so
// compare-and-swap can be expressed as a small Lua script without a
// WATCH/MULTI round trip.
type RedisBackend struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisBackend wraps an existing redis client. keyPrefix namespaces
// every hash key (e.g. "mcptasks:") so a shared Redis instance can host
// more than one deployment.
func NewRedisBackend(client redis.Cmdable, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) hashKey(key string) string {
	return b.keyPrefix + key
}

var redisPutScript = redis.NewScript(`
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'value', ARGV[1])
return version
`)

// Returns {1, newVersion} on a successful CAS write, {0, currentVersion}
// on a version mismatch, and errors with "NOTFOUND" when the key does
// not exist. The leading status element avoids any ambiguity between
// "wrote version N" and "rejected, current version is N".
var redisPutIfVersionScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version'))
if current == nil then
  return redis.error_reply('NOTFOUND')
end
if current ~= tonumber(ARGV[2]) then
  return {0, current}
end
local version = current + 1
redis.call('HSET', KEYS[1], 'version', version, 'value', ARGV[1])
return {1, version}
`)

func (b *RedisBackend) Get(ctx context.Context, key string) (Record, error) {
	res, err := b.client.HGetAll(ctx, b.hashKey(key)).Result()
	if err != nil {
		return Record{}, &BackendError{Message: "HGETALL", Source: err}
	}
	if len(res) == 0 {
		return Record{}, ErrNotFound
	}
	version, err := strconv.ParseUint(res["version"], 10, 64)
	if err != nil {
		return Record{}, &BackendError{Message: "malformed version field", Source: err}
	}
	return Record{Value: []byte(res["value"]), Version: version}, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	res, err := redisPutScript.Run(ctx, b.client, []string{b.hashKey(key)}, value).Result()
	if err != nil {
		return 0, &BackendError{Message: "PUT script", Source: err}
	}
	return toUint64(res)
}

func (b *RedisBackend) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	res, err := redisPutIfVersionScript.Run(ctx, b.client, []string{b.hashKey(key)}, value, expectedVersion).Result()
	if err != nil {
		if err.Error() == "NOTFOUND" {
			return 0, ErrNotFound
		}
		return 0, &BackendError{Message: "CAS script", Source: err}
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, &BackendError{Message: fmt.Sprintf("unexpected CAS script result: %v", res)}
	}
	status, err := toUint64(results[0])
	if err != nil {
		return 0, err
	}
	value2, err := toUint64(results[1])
	if err != nil {
		return 0, err
	}
	if status == 0 {
		return 0, &VersionConflictError{Expected: expectedVersion, Actual: value2}
	}
	return value2, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.hashKey(key)).Result()
	if err != nil {
		return false, &BackendError{Message: "DEL", Source: err}
	}
	return n > 0, nil
}

func (b *RedisBackend) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	iter := b.client.Scan(ctx, 0, b.hashKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		hashKey := iter.Val()
		res, err := b.client.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return nil, &BackendError{Message: "HGETALL during scan", Source: err}
		}
		version, err := strconv.ParseUint(res["version"], 10, 64)
		if err != nil {
			continue
		}
		key := hashKey[len(b.keyPrefix):]
		entries = append(entries, Entry{Key: key, Record: Record{Value: []byte(res["value"]), Version: version}})
	}
	if err := iter.Err(); err != nil {
		return nil, &BackendError{Message: "SCAN", Source: err}
	}
	return entries, nil
}

// CleanupExpired scans every key under the backend's prefix and
// removes those isExpired flags. Redis-native TTL is not used here
// because the store, not the backend, decides expiry (it depends on
// task TTL semantics the backend deliberately knows nothing about);
// this keeps the contract in spec.md §4.1 ("backends do not know about
// ... TTL") while still supporting the reaper sweep.
func (b *RedisBackend) CleanupExpired(ctx context.Context, isExpired func(Record) bool) (int, error) {
	entries, err := b.ListByPrefix(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if isExpired(e.Record) {
			if ok, err := b.Delete(ctx, e.Key); err == nil && ok {
				removed++
			}
		}
	}
	return removed, nil
}

func toUint64(res interface{}) (uint64, error) {
	switch v := res.(type) {
	case int64:
		return uint64(v), nil
	case []interface{}:
		if len(v) != 1 {
			return 0, &BackendError{Message: fmt.Sprintf("unexpected script result shape: %v", v)}
		}
		return toUint64(v[0])
	default:
		return 0, &BackendError{Message: fmt.Sprintf("unexpected script result type: %T", res)}
	}
}

var _ Backend = (*RedisBackend)(nil)
