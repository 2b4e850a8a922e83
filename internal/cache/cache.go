/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides the Redis-backed idempotency and lock layer used by the
// planner and dispatcher, with an in-process fallback while Redis is unreachable.
// Nothing here is authoritative: the durable command queue is.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// DefaultPrefix namespaces every key written by the service.
const DefaultPrefix = "smart-schedulers"

const (
	backendRedis  = "redis"
	backendMemory = "memory"
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string

	// AllowMemoryFallback permits starting without Redis. Runtime Redis errors
	// always fall back to memory for RetryAfter before Redis is tried again.
	AllowMemoryFallback bool
	RetryAfter          time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:  "localhost:6379",
		Prefix:     DefaultPrefix,
		RetryAfter: 30 * time.Second,
	}
}

// Cache provides TTL reservations and counters with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config
	mem    *memoryStore
	now    func() time.Time

	mu          sync.RWMutex
	fallbackEnd time.Time // circuit breaker: memory is used until this instant
}

var (
	acquireScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

	newerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'v', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	leaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// New creates a cache backed by Redis. When Redis cannot be reached it fails,
// unless cfg.AllowMemoryFallback is set.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	cfg = withDefaults(cfg)
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	c := &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
		mem:    newMemoryStore(),
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if !cfg.AllowMemoryFallback {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		c.logger.Warn().Err(err).Msg("Redis unavailable, using in-process cache")
		c.tripBreaker()
		return c, nil
	}

	c.logger.Info().Str("addr", cfg.RedisAddr).Str("prefix", cfg.Prefix).Msg("Redis cache initialized")
	telemetry.CacheFallbackActive.Set(0)
	return c, nil
}

// NewMemory creates a process-local cache with no Redis behind it.
func NewMemory(prefix string, logger zerolog.Logger) *Cache {
	cfg := DefaultConfig()
	cfg.Prefix = prefix
	cfg = withDefaults(cfg)
	return &Cache{
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
		mem:    newMemoryStore(),
		now:    time.Now,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	return cfg
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true while Redis is serving requests.
func (c *Cache) IsAvailable() bool {
	if c.client == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.now().Before(c.fallbackEnd)
}

// Backend names the store currently serving requests.
func (c *Cache) Backend() string {
	if c.IsAvailable() {
		return backendRedis
	}
	return backendMemory
}

// Ping checks Redis reachability. A memory-only cache always succeeds.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	c.logger.Warn().Err(err).Str("operation", operation).Dur("retry_after", c.config.RetryAfter).
		Msg("cache operation failed, falling back to in-process cache")
	telemetry.CacheOperationsTotal.WithLabelValues(operation, backendRedis, "error").Inc()
	c.tripBreaker()
}

func (c *Cache) tripBreaker() {
	c.mu.Lock()
	c.fallbackEnd = c.now().Add(c.config.RetryAfter)
	c.mu.Unlock()
	telemetry.CacheFallbackActive.Set(1)
}

func (c *Cache) observe(operation, result string) {
	telemetry.CacheOperationsTotal.WithLabelValues(operation, c.Backend(), result).Inc()
}

// Key namespaces parts under the configured prefix.
func (c *Cache) Key(parts ...string) string {
	key := c.config.Prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// EnqueueKey is the planner dedup key for an idempotency key.
func (c *Cache) EnqueueKey(idempotencyKey string) string {
	return c.Key("enqueue", idempotencyKey)
}

// SkipKey dedups skip audit rows for an occurrence.
func (c *Cache) SkipKey(idempotencyKey string) string {
	return c.Key("skip", idempotencyKey)
}

// InflightKey is the per-microcontroller reservation counter.
func (c *Cache) InflightKey(microcontrollerID uint) string {
	return c.Key("inflight", strconv.FormatUint(uint64(microcontrollerID), 10))
}

// MeasurementKey holds the latest measurement for a provider.
func (c *Cache) MeasurementKey(providerID uint) string {
	return c.Key("measurement", strconv.FormatUint(uint64(providerID), 10))
}

// Reserve sets key if absent. It returns false when a live reservation already exists.
func (c *Cache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.IsAvailable() {
		ok, err := c.client.SetNX(ctx, key, c.now().UTC().Format(time.RFC3339Nano), ttl).Result()
		if err == nil {
			c.observe("reserve", strconv.FormatBool(ok))
			return ok, nil
		}
		c.handleError(err, "reserve")
	}
	ok := c.mem.setNX(key, ttl, c.now())
	c.observe("reserve", strconv.FormatBool(ok))
	return ok, nil
}

// Release drops a reservation. Missing keys are not an error.
func (c *Cache) Release(ctx context.Context, key string) error {
	c.mem.del(key)
	if !c.IsAvailable() {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "release")
		return err
	}
	return nil
}

// AcquireInflight takes one per-microcontroller slot if fewer than limit are held.
// ttl bounds how long a leaked slot can survive a crashed holder.
func (c *Cache) AcquireInflight(ctx context.Context, microcontrollerID uint, limit int, ttl time.Duration) (bool, error) {
	key := c.InflightKey(microcontrollerID)
	if c.IsAvailable() {
		res, err := acquireScript.Run(ctx, c.client, []string{key}, limit, ttl.Milliseconds()).Int()
		if err == nil {
			c.observe("acquire_inflight", strconv.FormatBool(res == 1))
			return res == 1, nil
		}
		c.handleError(err, "acquire_inflight")
	}
	ok := c.mem.incrBelow(key, limit, ttl, c.now())
	c.observe("acquire_inflight", strconv.FormatBool(ok))
	return ok, nil
}

// ReleaseInflight returns one per-microcontroller slot, never going below zero.
func (c *Cache) ReleaseInflight(ctx context.Context, microcontrollerID uint) error {
	key := c.InflightKey(microcontrollerID)
	c.mem.decrFloor(key, c.now())
	if !c.IsAvailable() {
		return nil
	}
	if err := releaseScript.Run(ctx, c.client, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.handleError(err, "release_inflight")
		return err
	}
	return nil
}

// InflightCount reports the reservation counter for a microcontroller.
func (c *Cache) InflightCount(ctx context.Context, microcontrollerID uint) (int, error) {
	key := c.InflightKey(microcontrollerID)
	if c.IsAvailable() {
		n, err := c.client.Get(ctx, key).Int()
		if err == nil || errors.Is(err, redis.Nil) {
			return n, nil
		}
		c.handleError(err, "inflight_count")
	}
	return c.mem.count(key, c.now()), nil
}

// Measurement is the cached latest reading of a provider.
type Measurement struct {
	ProviderID uint      `json:"provider_id"`
	MeasuredAt time.Time `json:"measured_at"`
	Value      *float64  `json:"measured_value"`
	Unit       *string   `json:"measured_unit"`
}

// StoreMeasurement keeps m when it is newer than the cached reading.
func (c *Cache) StoreMeasurement(ctx context.Context, m Measurement, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("marshal measurement: %w", err)
	}
	key := c.MeasurementKey(m.ProviderID)
	ts := m.MeasuredAt.UnixNano()

	if c.IsAvailable() {
		res, err := newerScript.Run(ctx, c.client, []string{key}, ts, string(data), ttl.Milliseconds()).Int()
		if err == nil {
			return res == 1, nil
		}
		c.handleError(err, "store_measurement")
	}
	return c.mem.setIfNewer(key, ts, string(data), ttl, c.now()), nil
}

// LatestMeasurement returns the cached reading for a provider, if any.
func (c *Cache) LatestMeasurement(ctx context.Context, providerID uint) (*Measurement, bool, error) {
	key := c.MeasurementKey(providerID)

	var raw string
	if c.IsAvailable() {
		v, err := c.client.HGet(ctx, key, "v").Result()
		switch {
		case err == nil:
			raw = v
		case errors.Is(err, redis.Nil):
			c.observe("latest_measurement", "miss")
			return nil, false, nil
		default:
			c.handleError(err, "latest_measurement")
		}
	}
	if raw == "" {
		v, ok := c.mem.get(key, c.now())
		if !ok {
			c.observe("latest_measurement", "miss")
			return nil, false, nil
		}
		raw = v
	}

	var m Measurement
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached measurement")
		return nil, false, nil
	}
	c.observe("latest_measurement", "hit")
	return &m, true, nil
}

// LeaseKey names a leadership lease.
func (c *Cache) LeaseKey(name string) string {
	return c.Key("leader", name)
}

// AcquireLease takes or renews the lease at key for holder. Leases never fall
// back to process memory while Redis is configured, since a local lease would
// let every instance lead.
func (c *Cache) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if c.client == nil {
		return c.mem.lease(key, holder, ttl, c.now()), nil
	}
	res, err := leaseScript.Run(ctx, c.client, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		c.handleError(err, "acquire_lease")
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	c.observe("acquire_lease", strconv.FormatBool(res == 1))
	return res == 1, nil
}

// ReleaseLease drops the lease at key if holder still owns it.
func (c *Cache) ReleaseLease(ctx context.Context, key, holder string) error {
	if c.client == nil {
		c.mem.releaseLease(key, holder, c.now())
		return nil
	}
	if err := releaseLeaseScript.Run(ctx, c.client, []string{key}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
