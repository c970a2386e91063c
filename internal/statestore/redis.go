package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
	window    *goredis.Script
	admit     *goredis.Script
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	PoolSize  int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "relaymux",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// windowScript advances fixed windows and increments their counters for
// each (window_key, counter_key) pair in a single atomic evaluation.
const windowScript = `
local results = {}
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

for i = 1, #KEYS, 2 do
    local window_key = KEYS[i]
    local counter_key = KEYS[i + 1]
    local increment = tonumber(ARGV[2 + (i + 1) / 2])

    local window_start = redis.call('GET', window_key)

    if not window_start or (now - tonumber(window_start)) >= window_size then
        redis.call('SET', window_key, tostring(now))
        redis.call('SET', counter_key, increment)
        redis.call('EXPIRE', window_key, window_size)
        redis.call('EXPIRE', counter_key, window_size)
        table.insert(results, tostring(now))
        table.insert(results, increment)
    else
        local counter = redis.call('INCRBY', counter_key, increment)
        if redis.call('TTL', counter_key) == -1 then
            redis.call('EXPIRE', counter_key, window_size)
        end
        table.insert(results, window_start)
        table.insert(results, counter)
    end
end

return results
`

// admitScript decides and commits an all-or-nothing batch. The first
// pass reads every window without writing and finds the first op whose
// limit would be exceeded; only a fully admitted batch commits. The
// reply is {failed_index, start1, count1, ...} where failed_index is 0
// on admission and counts are post-increment (admitted) or untouched
// (rejected).
const admitScript = `
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local n = #KEYS / 2

local fresh = {}
local starts = {}
local counts = {}
local failed = 0

for j = 1, n do
    local window_start = redis.call('GET', KEYS[j * 2 - 1])
    if not window_start or (now - tonumber(window_start)) >= window_size then
        fresh[j] = true
        starts[j] = now
        counts[j] = 0
    else
        fresh[j] = false
        starts[j] = tonumber(window_start)
        counts[j] = tonumber(redis.call('GET', KEYS[j * 2]) or '0')
    end

    local increment = tonumber(ARGV[2 * j + 1])
    local limit = tonumber(ARGV[2 * j + 2])
    if failed == 0 and limit > 0 and counts[j] + increment > limit then
        failed = j
    end
end

if failed == 0 then
    for j = 1, n do
        local window_key = KEYS[j * 2 - 1]
        local counter_key = KEYS[j * 2]
        local increment = tonumber(ARGV[2 * j + 1])
        if fresh[j] then
            redis.call('SET', window_key, tostring(now))
            redis.call('SET', counter_key, increment)
            redis.call('EXPIRE', window_key, window_size)
            redis.call('EXPIRE', counter_key, window_size)
            counts[j] = increment
        else
            counts[j] = redis.call('INCRBY', counter_key, increment)
            if redis.call('TTL', counter_key) == -1 then
                redis.call('EXPIRE', counter_key, window_size)
            end
        end
    end
end

local results = {failed}
for j = 1, n do
    table.insert(results, tostring(starts[j]))
    table.insert(results, counts[j])
end
return results
`

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:    client,
		namespace: cfg.Namespace,
		window:    goredis.NewScript(windowScript),
		admit:     goredis.NewScript(admitScript),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client goredis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
		window:    goredis.NewScript(windowScript),
		admit:     goredis.NewScript(admitScript),
	}
}

func (s *RedisStore) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// Get retrieves a value, returning nil on a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// SetEx stores a value with TTL.
func (s *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefixKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrBy atomically increments an integer counter.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	prefixed := s.prefixKey(key)
	val, err := s.client.IncrBy(ctx, prefixed, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby: %w", err)
	}
	if ttl > 0 {
		currentTTL, err := s.client.TTL(ctx, prefixed).Result()
		if err == nil && currentTTL < 0 {
			_ = s.client.Expire(ctx, prefixed, ttl)
		}
	}
	return val, nil
}

// IncrByFloat atomically increments a float counter.
func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	prefixed := s.prefixKey(key)
	val, err := s.client.IncrByFloat(ctx, prefixed, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrbyfloat: %w", err)
	}
	if ttl > 0 {
		currentTTL, err := s.client.TTL(ctx, prefixed).Result()
		if err == nil && currentTTL < 0 {
			_ = s.client.Expire(ctx, prefixed, ttl)
		}
	}
	return val, nil
}

// WindowIncr runs the window script over all ops in one evaluation.
func (s *RedisStore) WindowIncr(ctx context.Context, ops []WindowOp, windowSize time.Duration) ([]WindowResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	now := time.Now().Unix()
	keys := make([]string, 0, len(ops)*2)
	args := make([]interface{}, 0, len(ops)+2)
	args = append(args, now, int64(windowSize.Seconds()))
	for _, op := range ops {
		// Hash-tag the identity so both keys share a cluster slot.
		base := fmt.Sprintf("%s:{%s}:%s", s.namespace, op.Identity, op.Kind)
		keys = append(keys, base+":window", base+":count")
		args = append(args, op.Increment)
	}

	val, err := s.window.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis window script: %w", err)
	}

	raw, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", val)
	}
	if len(raw) != len(ops)*2 {
		return nil, fmt.Errorf("unexpected script result length: got %d, want %d", len(raw), len(ops)*2)
	}

	results := make([]WindowResult, len(ops))
	for i := range ops {
		results[i] = WindowResult{
			WindowStart: toInt64(raw[i*2]),
			Count:       toInt64(raw[i*2+1]),
		}
	}
	return results, nil
}

// WindowAdmit runs the admission script over all ops in one evaluation.
func (s *RedisStore) WindowAdmit(ctx context.Context, ops []WindowOp, windowSize time.Duration) (*WindowDecision, error) {
	if len(ops) == 0 {
		return &WindowDecision{Allowed: true, FailedIndex: -1}, nil
	}

	now := time.Now().Unix()
	keys := make([]string, 0, len(ops)*2)
	args := make([]interface{}, 0, len(ops)*2+2)
	args = append(args, now, int64(windowSize.Seconds()))
	for _, op := range ops {
		base := fmt.Sprintf("%s:{%s}:%s", s.namespace, op.Identity, op.Kind)
		keys = append(keys, base+":window", base+":count")
		args = append(args, op.Increment, op.Limit)
	}

	val, err := s.admit.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis admit script: %w", err)
	}

	raw, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", val)
	}
	if len(raw) != len(ops)*2+1 {
		return nil, fmt.Errorf("unexpected script result length: got %d, want %d", len(raw), len(ops)*2+1)
	}

	decision := &WindowDecision{
		FailedIndex: int(toInt64(raw[0])) - 1,
		Results:     make([]WindowResult, len(ops)),
	}
	decision.Allowed = decision.FailedIndex < 0
	for i := range ops {
		decision.Results[i] = WindowResult{
			WindowStart: toInt64(raw[i*2+1]),
			Count:       toInt64(raw[i*2+2]),
		}
	}
	return decision, nil
}

// CounterAdd adjusts a window counter without resetting its window.
func (s *RedisStore) CounterAdd(ctx context.Context, identity, kind string, delta int64) error {
	key := fmt.Sprintf("%s:{%s}:%s:count", s.namespace, identity, kind)
	if err := s.client.IncrBy(ctx, key, delta).Err(); err != nil {
		return fmt.Errorf("redis counter add: %w", err)
	}
	return nil
}

// RecordLatency appends a latency sample scored by timestamp.
func (s *RedisStore) RecordLatency(ctx context.Context, key string, at time.Time, latencyMs float64, ttl time.Duration) error {
	prefixed := s.prefixKey(key)
	member := fmt.Sprintf("%d:%.3f", at.UnixNano(), latencyMs)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, prefixed, goredis.Z{Score: float64(at.UnixNano()), Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, prefixed, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// LatenciesSince returns samples at or after since and trims older ones.
func (s *RedisStore) LatenciesSince(ctx context.Context, key string, since time.Time) ([]float64, error) {
	prefixed := s.prefixKey(key)
	minScore := strconv.FormatInt(since.UnixNano(), 10)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, prefixed, "-inf", "("+minScore)
	rangeCmd := pipe.ZRangeByScore(ctx, prefixed, &goredis.ZRangeBy{Min: minScore, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	members := rangeCmd.Val()
	samples := make([]float64, 0, len(members))
	for _, m := range members {
		if idx := strings.IndexByte(m, ':'); idx >= 0 {
			if v, err := strconv.ParseFloat(m[idx+1:], 64); err == nil {
				samples = append(samples, v)
			}
		}
	}
	return samples, nil
}

// Publish sends a message to channel subscribers.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, s.prefixKey(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns a receive channel for messages on channel.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, s.prefixKey(channel))
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				// Drop when the consumer lags.
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	case float64:
		return int64(n)
	default:
		parsed, _ := strconv.ParseInt(fmt.Sprintf("%v", n), 10, 64)
		return parsed
	}
}
