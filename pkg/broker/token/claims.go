// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and validates the broker's own access tokens.
//
// A broker token is a compact JWS signed with the key from
// [keys.KeyProvider]. Tokens minted for a user carry the upstream access token
// (or a server-side session reference to it) in the "act" claim; tokens
// minted for confidential clients do not.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Claim names used in broker tokens.
const (
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimNotBefore = "nbf"
	ClaimTokenID   = "jti"
	ClaimScope     = "scp"
	ClaimActor     = "act"
	ClaimObjectID  = "oid"
	ClaimClientID  = "client_id"
)

var reservedClaims = []string{
	ClaimIssuer, ClaimSubject, ClaimAudience, ClaimIssuedAt, ClaimExpiresAt,
	ClaimNotBefore, ClaimTokenID, ClaimScope, ClaimActor, ClaimObjectID, ClaimClientID,
}

// MintRequest describes one broker token.
type MintRequest struct {
	Issuer    string
	Subject   string
	Audience  string
	Scopes    []string
	ExpiresAt time.Time

	// Actor is the wrapped upstream credential. Empty for client tokens.
	Actor string

	// ObjectID is the upstream directory object id, when known.
	ObjectID string

	ClientID string

	// Extra holds additional claims. Reserved claim names are rejected.
	Extra map[string]any
}

// Principal is the validated identity behind a broker token.
type Principal struct {
	Subject   string
	Scopes    []string
	ObjectID  string
	ClientID  string
	Issuer    string
	Audience  string
	ExpiresAt time.Time

	// Actor is the raw "act" claim. Treat it as a credential.
	Actor string

	// Claims holds every claim in the token, including Actor.
	Claims map[string]any
}

// HasUserContext reports whether the token was minted for a user and can be
// exchanged for downstream tokens.
func (p *Principal) HasUserContext() bool {
	return p != nil && p.Actor != ""
}

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// String returns a string representation of the Principal with the actor redacted.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Principal{Subject: %q, Scopes: %q, ClientID: %q, UserContext: %t}",
		p.Subject, strings.Join(p.Scopes, " "), p.ClientID, p.HasUserContext())
}

// MarshalJSON implements json.Marshaler, redacting the actor credential.
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}

	claims := maps.Clone(p.Claims)
	if _, ok := claims[ClaimActor]; ok {
		claims[ClaimActor] = "REDACTED"
	}
	actor := ""
	if p.Actor != "" {
		actor = "REDACTED"
	}

	type principalJSON struct {
		Subject   string         `json:"sub"`
		Scopes    []string       `json:"scopes,omitempty"`
		ObjectID  string         `json:"oid,omitempty"`
		ClientID  string         `json:"client_id,omitempty"`
		Issuer    string         `json:"iss,omitempty"`
		Audience  string         `json:"aud,omitempty"`
		ExpiresAt time.Time      `json:"expires_at"`
		Actor     string         `json:"act,omitempty"`
		Claims    map[string]any `json:"claims,omitempty"`
	}
	return json.Marshal(principalJSON{
		Subject:   p.Subject,
		Scopes:    p.Scopes,
		ObjectID:  p.ObjectID,
		ClientID:  p.ClientID,
		Issuer:    p.Issuer,
		Audience:  p.Audience,
		ExpiresAt: p.ExpiresAt,
		Actor:     actor,
		Claims:    claims,
	})
}

// PrincipalContextKey is the key used to store the Principal in the request context.
type PrincipalContextKey struct{}

// WithPrincipal returns a copy of ctx carrying p. A nil p returns ctx unchanged.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, PrincipalContextKey{}, p)
}

// PrincipalFromContext returns the Principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey{}).(*Principal)
	return p, ok && p != nil
}
