// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryCache(t *testing.T, clock *fakeClock) *MemoryCache[string] {
	t.Helper()
	c := NewMemoryCache[string](WithClock(clock.Now), WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryCache_PutGetTake(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestMemoryCache(t, newFakeClock())

	require.NoError(t, c.Put(ctx, "s1", "https://client/cb", time.Minute))

	v, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "https://client/cb", v)

	v, err = c.Take(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "https://client/cb", v)

	_, err = c.Take(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_RejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()
	c := newTestMemoryCache(t, newFakeClock())

	err := c.Put(context.Background(), "k", "v", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)

	n, _ := c.Len(context.Background())
	assert.Zero(t, n)
}

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestMemoryCache(t, clock)

	require.NoError(t, c.Put(ctx, "short", "a", time.Second))
	require.NoError(t, c.Put(ctx, "long", "b", time.Hour))

	clock.Advance(time.Second)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Take(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := c.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestMemoryCache_CleanupReclaimsUnreadEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestMemoryCache(t, clock)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, k, k, time.Minute))
	}
	require.NoError(t, c.Put(ctx, "d", "d", time.Hour))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, Stats{Entries: 4, Expired: 3}, c.Stats())

	assert.Equal(t, 3, c.cleanupExpired())
	assert.Equal(t, Stats{Entries: 1}, c.Stats())

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryCache_BackgroundSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryCache[int](WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Put(ctx, "k", 1, time.Millisecond))

	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_ConcurrentTakeSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestMemoryCache(t, newFakeClock())
	require.NoError(t, c.Put(ctx, "code", "redirect", time.Minute))

	const callers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Take(ctx, "code"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryCache_GetOrCompute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestMemoryCache(t, clock)

	var calls atomic.Int32
	fn := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		return "token", time.Minute, nil
	}

	v, hit, err := c.GetOrCompute(ctx, "u1|graph", fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "token", v)

	v, hit, err = c.GetOrCompute(ctx, "u1|graph", fn)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "token", v)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Minute)
	_, hit, err = c.GetOrCompute(ctx, "u1|graph", fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryCache_GetOrComputeErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestMemoryCache(t, newFakeClock())
	boom := errors.New("downstream unavailable")

	_, _, err := c.GetOrCompute(ctx, "k", func(context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_GetOrComputeZeroTTLNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestMemoryCache(t, newFakeClock())

	v, _, err := c.GetOrCompute(ctx, "k", func(context.Context) (string, time.Duration, error) {
		return "nearly-expired", 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "nearly-expired", v)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_GetOrComputeSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestMemoryCache(t, newFakeClock())

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "shared", time.Minute, nil
	}

	const callers = 16
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute(ctx, "k", fn)
			if err == nil {
				results <- v
			}
		}()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// let stragglers join the in-flight call before releasing it
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	for v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestMemoryCache_GetOrComputeCancelled(t *testing.T) {
	t.Parallel()
	c := newTestMemoryCache(t, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := c.GetOrCompute(ctx, "k", func(ctx context.Context) (string, time.Duration, error) {
		cancel()
		<-ctx.Done()
		return "", 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_GetOrComputeWaiterSurvivesLeaderCancel(t *testing.T) {
	t.Parallel()
	c := newTestMemoryCache(t, newFakeClock())

	var calls atomic.Int32
	started := make(chan struct{})
	fn := func(ctx context.Context) (string, time.Duration, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return "", 0, ctx.Err()
		}
		return "fresh", time.Minute, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "k", fn)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		v, _, err := c.GetOrCompute(context.Background(), "k", fn)
		waiter <- result{v, err}
	}()

	// let the waiter join the in-flight call before the leader gives up
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	require.ErrorIs(t, <-leaderErr, context.Canceled)

	select {
	case got := <-waiter:
		require.NoError(t, got.err)
		assert.Equal(t, "fresh", got.v)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not return")
	}

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache[string]()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
