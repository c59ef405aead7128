// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oborelay/oborelay/pkg/broker/cache"
)

// SessionStore keeps upstream tokens server-side, keyed by random ids.
type SessionStore struct {
	sessions cache.Cache[UpstreamSession]
	now      func() time.Time
}

// NewSessionStore creates a SessionStore over c.
func NewSessionStore(c cache.Cache[UpstreamSession]) *SessionStore {
	return &SessionStore{sessions: c, now: time.Now}
}

// Save stores sess until its expiry and returns the new session id.
func (s *SessionStore) Save(ctx context.Context, sess UpstreamSession) (string, error) {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return "", errors.New("upstream session is already expired")
	}
	id := uuid.NewString()
	if err := s.sessions.Put(ctx, id, sess, ttl); err != nil {
		return "", fmt.Errorf("failed to store upstream session: %w", err)
	}
	return id, nil
}

// Load returns the session stored under id.
func (s *SessionStore) Load(ctx context.Context, id string) (UpstreamSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return UpstreamSession{}, ErrUnknownOrExpired
	}
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return UpstreamSession{}, ErrUnknownOrExpired
	}
	if err != nil {
		return UpstreamSession{}, fmt.Errorf("failed to load upstream session: %w", err)
	}
	return sess, nil
}
