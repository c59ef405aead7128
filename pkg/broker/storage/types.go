// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the broker's authorization-flow state on top of the
// generic TTL cache.
//
// A login moves through three states. /authorize records a pending flow under
// the client's state value; /callback consumes it and re-files it under the
// upstream authorization code as relayed; /token consumes that and marks it
// redeemed. Every step is a take from the cache, so each state and each code
// can be used at most once.
package storage

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultPendingTTL bounds how long a user may spend at the upstream login page.
	DefaultPendingTTL = 10 * time.Minute

	// DefaultCodeTTL bounds how long a relayed code waits for redemption (RFC 6749 §4.1.2).
	DefaultCodeTTL = 10 * time.Minute
)

var (
	// ErrUnknownOrExpired is returned when a state or code has no live flow,
	// either because it never existed, it expired, or it was already used.
	ErrUnknownOrExpired = errors.New("unknown or expired")

	// ErrInvalidTransition is returned when a flow is advanced out of order.
	ErrInvalidTransition = errors.New("invalid flow transition")
)

// FlowState is the position of an authorization flow in the relay handshake.
type FlowState string

const (
	// FlowPending means /authorize redirected the user upstream.
	FlowPending FlowState = "pending"
	// FlowRelayed means the upstream code was handed back to the client.
	FlowRelayed FlowState = "relayed"
	// FlowRedeemed means the code was presented at /token.
	FlowRedeemed FlowState = "redeemed"
)

// next lists the single legal successor of each state.
var next = map[FlowState]FlowState{
	FlowPending: FlowRelayed,
	FlowRelayed: FlowRedeemed,
}

// FlowRecord is what the broker remembers about one authorization flow.
type FlowRecord struct {
	State FlowState `json:"state"`

	// ClientID is the public client's id. It is never sent upstream.
	ClientID string `json:"client_id"`

	// RedirectURI is where the client expects the code to be delivered.
	RedirectURI string `json:"redirect_uri"`

	ClientState   string    `json:"client_state"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Advance moves the record to state to, which must be the direct successor
// of its current state.
func (r *FlowRecord) Advance(to FlowState) error {
	if want, ok := next[r.State]; !ok || want != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	return nil
}

// UpstreamSession keeps an upstream access token on the server side when
// broker tokens carry only a session reference.
type UpstreamSession struct {
	AccessToken string    `json:"access_token"`
	Subject     string    `json:"subject"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// String returns a string representation of the UpstreamSession with the token redacted.
func (s UpstreamSession) String() string {
	return fmt.Sprintf("UpstreamSession{Subject: %s, ExpiresAt: %s, AccessToken: [REDACTED]}",
		s.Subject, s.ExpiresAt.Format(time.RFC3339))
}
