// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"errors"
	"fmt"

	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/token"
)

// ActMode selects what the "act" claim of a user token carries.
type ActMode string

const (
	// ActModeEmbed puts the raw upstream access token in "act".
	ActModeEmbed ActMode = "embed"
	// ActModeSession keeps the upstream token server-side; "act" holds a
	// session id.
	ActModeSession ActMode = "session"
)

// AssertionResolver turns a principal's "act" claim into the upstream access
// token used as the exchange assertion.
type AssertionResolver interface {
	Resolve(ctx context.Context, p *token.Principal) (string, error)
}

// EmbeddedAssertion returns the actor claim unchanged.
type EmbeddedAssertion struct{}

// Resolve implements AssertionResolver.
func (EmbeddedAssertion) Resolve(_ context.Context, p *token.Principal) (string, error) {
	return p.Actor, nil
}

// SessionAssertion looks the actor claim up in the session store.
type SessionAssertion struct {
	Sessions *storage.SessionStore
}

// Resolve implements AssertionResolver.
func (s SessionAssertion) Resolve(ctx context.Context, p *token.Principal) (string, error) {
	sess, err := s.Sessions.Load(ctx, p.Actor)
	if err != nil {
		return "", fmt.Errorf("upstream session unavailable: %w", err)
	}
	if sess.Subject != p.Subject {
		return "", errors.New("upstream session belongs to a different subject")
	}
	return sess.AccessToken, nil
}

// NewAssertionResolver returns the resolver for mode.
func NewAssertionResolver(mode ActMode, sessions *storage.SessionStore) (AssertionResolver, error) {
	switch mode {
	case "", ActModeEmbed:
		return EmbeddedAssertion{}, nil
	case ActModeSession:
		if sessions == nil {
			return nil, errors.New("session act mode requires a session store")
		}
		return SessionAssertion{Sessions: sessions}, nil
	default:
		return nil, fmt.Errorf("unsupported act_mode %q", mode)
	}
}
