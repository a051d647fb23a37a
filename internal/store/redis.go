package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis as backend.
// Counter increments run as a Lua script so the window reset and the count
// stay a single round trip on one node.
type RedisStore struct {
	client     goredis.UniversalClient
	namespace  string
	incrScript *goredis.Script

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// RedisConfig holds configuration for RedisStore.
type RedisConfig struct {
	// Single node configuration
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"`

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`
	SentinelMaster string   `yaml:"sentinel_master"`

	// Common configuration
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		Namespace:    "gatemeter",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// incrementScript starts or bumps a fixed-window counter.
// KEYS[1] = window-start key, KEYS[2] = counter key; both share a hash tag so
// cluster mode keeps them on one node. ARGV[1] = now (unix ms),
// ARGV[2] = window size in ms.
const incrementScript = `
local window_start = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

if not window_start or (now - tonumber(window_start)) >= window_ms then
    redis.call('SET', KEYS[1], tostring(now), 'PX', window_ms)
    redis.call('SET', KEYS[2], 1, 'PX', window_ms)
    return {tostring(now), 1}
end

local count = redis.call('INCR', KEYS[2])
if redis.call('PTTL', KEYS[2]) == -1 then
    redis.call('PEXPIRE', KEYS[2], window_ms)
end
return {window_start, count}
`

// NewRedisStore creates a new Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client goredis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:     client,
		namespace:  cfg.Namespace,
		incrScript: goredis.NewScript(incrementScript),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client goredis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{
		client:     client,
		namespace:  namespace,
		incrScript: goredis.NewScript(incrementScript),
	}
}

func (s *RedisStore) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// Get retrieves a value. The redis TTL normally handles expiry; the envelope
// check covers entries written with an explicit Expires by another writer.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		s.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	var env ValueWithTTL
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope for %s: %w", key, err)
	}

	if env.Expired(time.Now()) {
		s.misses.Add(1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.client.Del(ctx, s.prefixKey(key)).Err()
		}()
		return nil, nil
	}

	s.hits.Add(1)
	return env.Value, nil
}

// Set stores a value wrapped in a ValueWithTTL envelope. The redis key TTL
// mirrors the envelope expiry so idle entries self-expire server-side.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := ValueWithTTL{Value: value}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		env.Expires = &exp
	}

	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", key, err)
	}

	var redisTTL time.Duration
	if ttl > 0 {
		redisTTL = ttl
	}
	if err := s.client.Set(ctx, s.prefixKey(key), raw, redisTTL).Err(); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}

	s.sets.Add(1)
	return nil
}

// Increment runs the fixed-window counter script.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	// Hash tag keeps the window and counter keys on the same cluster node.
	base := fmt.Sprintf("{%s}", s.prefixKey(key))
	keys := []string{base + ":window", base + ":count"}
	now := time.Now()

	val, err := s.incrScript.Run(ctx, s.client, keys, now.UnixMilli(), window.Milliseconds()).Result()
	if err != nil {
		s.errs.Add(1)
		return Counter{}, fmt.Errorf("%w: increment %s: %v", ErrUnavailable, key, err)
	}

	slice, ok := val.([]interface{})
	if !ok || len(slice) != 2 {
		return Counter{}, fmt.Errorf("unexpected increment result for %s: %T", key, val)
	}

	windowStartMs := toInt64(slice[0])
	count := toInt64(slice[1])

	return Counter{
		Count:       count,
		WindowStart: time.UnixMilli(windowStartMs),
	}, nil
}

// Delete removes the value key and any counter keys derived from it.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	base := fmt.Sprintf("{%s}", s.prefixKey(key))
	if err := s.client.Del(ctx, s.prefixKey(key), base+":window", base+":count").Err(); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toInt64(v any) int64 {
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
