// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration. Exactly one of Addr or
// Sentinel must be set.
type RedisConfig struct {
	// Addr is a standalone server address (host:port).
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`

	// Sentinel selects a Sentinel-managed deployment.
	Sentinel *SentinelConfig `mapstructure:"sentinel" yaml:"sentinel,omitempty"`

	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db,omitempty"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `mapstructure:"master_name" yaml:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs"`
}

// Validate checks that the configuration selects a single deployment mode.
func (c *RedisConfig) Validate() error {
	switch {
	case c.Addr == "" && c.Sentinel == nil:
		return errors.New("redis address or sentinel configuration is required")
	case c.Addr != "" && c.Sentinel != nil:
		return errors.New("redis address and sentinel configuration are mutually exclusive")
	case c.Sentinel != nil && c.Sentinel.MasterName == "":
		return errors.New("sentinel master name is required")
	case c.Sentinel != nil && len(c.Sentinel.SentinelAddrs) == 0:
		return errors.New("at least one sentinel address is required")
	}
	return nil
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
// The returned client is shared by every RedisCache built on it and must be
// closed by the caller.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisCache is a Cache whose entries live in Redis as JSON under
// "<prefix><role>:<key>". Take uses GETDEL, so single use holds across
// replicas. GetOrCompute deduplicates within this process only.
type RedisCache[V any] struct {
	client redis.UniversalClient
	prefix string
	flight singleflight.Group
}

// NewRedisCache creates a RedisCache for one role (e.g. "pending") over an
// existing client.
func NewRedisCache[V any](client redis.UniversalClient, keyPrefix, role string) *RedisCache[V] {
	return &RedisCache[V]{
		client: client,
		prefix: keyPrefix + role + ":",
	}
}

func (c *RedisCache[V]) key(k string) string {
	return c.prefix + k
}

// Put stores value under key for ttl.
func (c *RedisCache[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Take atomically removes and returns the entry for key.
func (c *RedisCache[V]) Take(ctx context.Context, key string) (V, error) {
	return c.read(ctx, c.client.GetDel(ctx, c.key(key)))
}

// Get returns the entry for key without removing it.
func (c *RedisCache[V]) Get(ctx context.Context, key string) (V, error) {
	return c.read(ctx, c.client.Get(ctx, c.key(key)))
}

func (*RedisCache[V]) read(_ context.Context, cmd *redis.StringCmd) (V, error) {
	var v V
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return v, nil
}

// GetOrCompute returns the cached value for key or computes and stores it.
func (c *RedisCache[V]) GetOrCompute(ctx context.Context, key string, fn ComputeFunc[V]) (V, bool, error) {
	v, err := c.Get(ctx, key)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return v, false, err
	}

	return doOnce(ctx, &c.flight, key, func(ctx context.Context) (V, error) {
		v, ttl, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if ttl > 0 {
			if err := c.Put(ctx, key, v, ttl); err != nil {
				return v, err
			}
		}
		return v, nil
	})
}

// Len counts the keys under this cache's prefix.
func (c *RedisCache[V]) Len(ctx context.Context) (int, error) {
	n := 0
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (*RedisCache[V]) Close() error {
	return nil
}

var _ Cache[string] = (*RedisCache[string])(nil)
