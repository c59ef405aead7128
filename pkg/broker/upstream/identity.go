// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the broker learns about the user from an upstream token
// response.
type Identity struct {
	Subject   string
	ObjectID  string
	ExpiresAt time.Time
}

// ErrNoSubject is returned when neither the access token nor the id_token
// names a subject.
var ErrNoSubject = errors.New("upstream tokens carry no subject")

// ExtractIdentity reads sub, oid and exp from the upstream access token
// without verifying it; the tokens came straight from the provider over TLS.
// Opaque access tokens fall back to the id_token for identity and to
// expires_in for expiry.
func ExtractIdentity(t *Tokens) (Identity, error) {
	var id Identity
	if t == nil {
		return id, ErrNoSubject
	}

	at := unverifiedClaims(t.AccessToken)
	it := unverifiedClaims(t.IDToken)

	id.Subject = firstString(at, it, "sub")
	id.ObjectID = firstString(at, it, "oid")
	if id.Subject == "" {
		return id, ErrNoSubject
	}

	if exp, err := at.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	} else {
		id.ExpiresAt = t.ExpiresAt
	}
	return id, nil
}

func unverifiedClaims(raw string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if raw == "" {
		return claims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return jwt.MapClaims{}
	}
	return claims
}

func firstString(a, b jwt.MapClaims, name string) string {
	if s, ok := a[name].(string); ok && s != "" {
		return s
	}
	s, _ := b[name].(string)
	return s
}
