// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the TTL-expiring key/value stores the broker keeps
// its protocol state in: pending authorizations, relayed codes, upstream
// sessions and downstream tokens.
//
// Two backends implement [Cache]: an in-process [MemoryCache] for
// single-instance deployments and a [RedisCache] for deployments that share
// state between replicas.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its entry has expired.
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidTTL is returned by Put when the TTL is not positive.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// DefaultCleanupInterval is how often the memory backend sweeps expired entries.
const DefaultCleanupInterval = time.Minute

// ComputeFunc produces a value for GetOrCompute along with how long it may be
// cached. A non-positive TTL returns the value to the caller without storing it.
type ComputeFunc[V any] func(ctx context.Context) (V, time.Duration, error)

// Cache is a concurrency-safe TTL store.
type Cache[V any] interface {
	// Put stores value under key for ttl, replacing any existing entry.
	Put(ctx context.Context, key string, value V, ttl time.Duration) error

	// Take atomically reads and removes the entry. Of any number of
	// concurrent callers for the same key, at most one receives the value.
	Take(ctx context.Context, key string) (V, error)

	// Get reads the entry without removing it.
	Get(ctx context.Context, key string) (V, error)

	// GetOrCompute returns the cached value, or computes and stores it.
	// Concurrent callers for the same key share one computation. The bool
	// result reports whether the value came from the cache.
	GetOrCompute(ctx context.Context, key string, fn ComputeFunc[V]) (V, bool, error)

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)

	// Close releases resources held by the cache.
	Close() error
}
