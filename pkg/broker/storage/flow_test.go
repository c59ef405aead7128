// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oborelay/oborelay/pkg/broker/cache"
)

func TestFlowRecord_Advance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    FlowState
		to      FlowState
		wantErr bool
	}{
		{"pending to relayed", FlowPending, FlowRelayed, false},
		{"relayed to redeemed", FlowRelayed, FlowRedeemed, false},
		{"pending to redeemed skips a step", FlowPending, FlowRedeemed, true},
		{"relayed back to pending", FlowRelayed, FlowPending, true},
		{"redeemed is terminal", FlowRedeemed, FlowRedeemed, true},
		{"relayed twice", FlowRelayed, FlowRelayed, true},
		{"unknown state", FlowState("bogus"), FlowRelayed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := FlowRecord{State: tt.from}
			err := rec.Advance(tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, rec.State)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, rec.State)
		})
	}
}

func newMemoryFlowStore(t *testing.T) *FlowStore {
	t.Helper()
	pending := cache.NewMemoryCache[FlowRecord]()
	relayed := cache.NewMemoryCache[FlowRecord]()
	t.Cleanup(func() {
		_ = pending.Close()
		_ = relayed.Close()
	})
	return NewFlowStore(pending, relayed, FlowTTLs{})
}

func TestFlowStore_FullHandshake(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryFlowStore(t)

	require.NoError(t, s.Begin(ctx, "s1", FlowRecord{
		ClientID:      "abc",
		RedirectURI:   "https://client/cb",
		CodeChallenge: "XYZ",
	}))

	rec, err := s.Relay(ctx, "s1", "U1")
	require.NoError(t, err)
	assert.Equal(t, FlowRelayed, rec.State)
	assert.Equal(t, "https://client/cb", rec.RedirectURI)
	assert.Equal(t, "s1", rec.ClientState)

	rec, err = s.Redeem(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, FlowRedeemed, rec.State)
	assert.Equal(t, "abc", rec.ClientID)
}

func TestFlowStore_SingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryFlowStore(t)

	require.NoError(t, s.Begin(ctx, "s1", FlowRecord{RedirectURI: "https://client/cb"}))
	_, err := s.Relay(ctx, "s1", "U1")
	require.NoError(t, err)

	_, err = s.Relay(ctx, "s1", "U2")
	require.ErrorIs(t, err, ErrUnknownOrExpired)

	_, err = s.Redeem(ctx, "U1")
	require.NoError(t, err)
	_, err = s.Redeem(ctx, "U1")
	require.ErrorIs(t, err, ErrUnknownOrExpired)
}

func TestFlowStore_UnknownKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryFlowStore(t)

	_, err := s.Relay(ctx, "", "U1")
	assert.ErrorIs(t, err, ErrUnknownOrExpired)
	_, err = s.Relay(ctx, "never-issued", "U1")
	assert.ErrorIs(t, err, ErrUnknownOrExpired)
	_, err = s.Redeem(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownOrExpired)
	assert.Error(t, s.Begin(ctx, "", FlowRecord{}))

	require.NoError(t, s.Begin(ctx, "s1", FlowRecord{}))
	_, err = s.Relay(ctx, "s1", "")
	assert.Error(t, err)
}

func TestFlowStore_ConcurrentRedeemSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryFlowStore(t)

	require.NoError(t, s.Begin(ctx, "s1", FlowRecord{RedirectURI: "https://client/cb"}))
	_, err := s.Relay(ctx, "s1", "U1")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(ctx, "U1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestFlowStore_RedisExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewFlowStore(
		cache.NewRedisCache[FlowRecord](client, "oborelay:", "pending"),
		cache.NewRedisCache[FlowRecord](client, "oborelay:", "code"),
		FlowTTLs{Pending: time.Minute, Code: 30 * time.Second},
	)

	require.NoError(t, s.Begin(ctx, "s1", FlowRecord{RedirectURI: "https://client/cb"}))
	mr.FastForward(2 * time.Minute)
	_, err := s.Relay(ctx, "s1", "U1")
	require.ErrorIs(t, err, ErrUnknownOrExpired)

	require.NoError(t, s.Begin(ctx, "s2", FlowRecord{RedirectURI: "https://client/cb"}))
	_, err = s.Relay(ctx, "s2", "U2")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("oborelay:code:U2"))

	mr.FastForward(31 * time.Second)
	_, err = s.Redeem(ctx, "U2")
	require.ErrorIs(t, err, ErrUnknownOrExpired)
}
