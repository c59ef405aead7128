// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oborelay/oborelay/pkg/broker/cache"
)

// FlowStore tracks authorization flows from /authorize to /token.
type FlowStore struct {
	pending cache.Cache[FlowRecord]
	relayed cache.Cache[FlowRecord]
	ttls    FlowTTLs
}

// FlowTTLs sets how long each stage of a flow may live.
type FlowTTLs struct {
	Pending time.Duration
	Code    time.Duration
}

// NewFlowStore creates a FlowStore over two caches, one keyed by client state
// and one keyed by upstream code. Zero TTLs take the package defaults.
func NewFlowStore(pending, relayed cache.Cache[FlowRecord], ttls FlowTTLs) *FlowStore {
	if ttls.Pending <= 0 {
		ttls.Pending = DefaultPendingTTL
	}
	if ttls.Code <= 0 {
		ttls.Code = DefaultCodeTTL
	}
	return &FlowStore{pending: pending, relayed: relayed, ttls: ttls}
}

// Begin records a pending flow under state.
func (s *FlowStore) Begin(ctx context.Context, state string, rec FlowRecord) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	rec.State = FlowPending
	rec.ClientState = state
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.pending.Put(ctx, state, rec, s.ttls.Pending); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// Relay consumes the pending flow for state and re-files it under the
// upstream code. The returned record carries the client's redirect URI.
func (s *FlowStore) Relay(ctx context.Context, state, code string) (FlowRecord, error) {
	if code == "" {
		return FlowRecord{}, errors.New("code cannot be empty")
	}
	rec, err := take(ctx, s.pending, state)
	if err != nil {
		return FlowRecord{}, err
	}
	if err := rec.Advance(FlowRelayed); err != nil {
		return FlowRecord{}, err
	}
	if err := s.relayed.Put(ctx, code, rec, s.ttls.Code); err != nil {
		return FlowRecord{}, fmt.Errorf("failed to store relayed code: %w", err)
	}
	return rec, nil
}

// Redeem consumes the relayed flow for code.
func (s *FlowStore) Redeem(ctx context.Context, code string) (FlowRecord, error) {
	rec, err := take(ctx, s.relayed, code)
	if err != nil {
		return FlowRecord{}, err
	}
	if err := rec.Advance(FlowRedeemed); err != nil {
		return FlowRecord{}, err
	}
	return rec, nil
}

func take(ctx context.Context, c cache.Cache[FlowRecord], key string) (FlowRecord, error) {
	if key == "" {
		return FlowRecord{}, ErrUnknownOrExpired
	}
	rec, err := c.Take(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return FlowRecord{}, ErrUnknownOrExpired
	}
	if err != nil {
		return FlowRecord{}, fmt.Errorf("failed to read flow: %w", err)
	}
	return rec, nil
}
