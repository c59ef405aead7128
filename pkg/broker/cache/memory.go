// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// timedEntry wraps a value with its TTL bookkeeping.
type timedEntry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache. Values are stored as given, so callers
// should treat them as immutable once put.
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry[V]
	flight  singleflight.Group
	now     func() time.Time

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// NewMemoryCache creates a MemoryCache and starts its background sweep.
// Call Close to stop it.
func NewMemoryCache[V any](opts ...MemoryOption) *MemoryCache[V] {
	o := memoryOptions{
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &MemoryCache[V]{
		entries:         make(map[string]*timedEntry[V]),
		now:             o.now,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Put stores value under key for ttl.
func (c *MemoryCache[V]) Put(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &timedEntry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Take atomically removes and returns the entry for key.
func (c *MemoryCache[V]) Take(_ context.Context, key string) (V, error) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return zero, ErrNotFound
	}
	delete(c.entries, key)

	if entry.expired(c.now()) {
		return zero, ErrNotFound
	}
	return entry.value, nil
}

// Get returns the entry for key without removing it.
func (c *MemoryCache[V]) Get(_ context.Context, key string) (V, error) {
	var zero V

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || entry.expired(c.now()) {
		return zero, ErrNotFound
	}
	return entry.value, nil
}

// GetOrCompute returns the cached value for key or computes it once for all
// concurrent callers. A failed or cancelled computation stores nothing.
func (c *MemoryCache[V]) GetOrCompute(ctx context.Context, key string, fn ComputeFunc[V]) (V, bool, error) {
	if v, err := c.Get(ctx, key); err == nil {
		return v, true, nil
	}

	return doOnce(ctx, &c.flight, key, func(ctx context.Context) (V, error) {
		// another flight may have filled the entry while we waited
		if v, err := c.Get(ctx, key); err == nil {
			return v, nil
		}

		v, ttl, err := fn(ctx)
		if err != nil {
			var zero V
			return zero, err
		}
		if ttl > 0 {
			_ = c.Put(ctx, key, v, ttl)
		}
		return v, nil
	})
}

// Len returns the number of unexpired entries.
func (c *MemoryCache[V]) Len(_ context.Context) (int, error) {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n, nil
}

// Stats reports raw entry counts, including expired entries not yet swept.
type Stats struct {
	Entries int
	Expired int
}

// Stats returns current statistics about cache contents.
func (c *MemoryCache[V]) Stats() Stats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Entries: len(c.entries)}
	for _, e := range c.entries {
		if e.expired(now) {
			s.Expired++
		}
	}
	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (c *MemoryCache[V]) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupDone
	})
	return nil
}

func (c *MemoryCache[V]) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock, re-checking each one since it may have been replaced.
func (c *MemoryCache[V]) cleanupExpired() int {
	now := c.now()

	c.mu.RLock()
	var expired []string
	for k, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range expired {
		if e, ok := c.entries[k]; ok && e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

var _ Cache[string] = (*MemoryCache[string])(nil)
