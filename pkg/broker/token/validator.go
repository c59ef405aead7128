// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRejected is the only error Validate returns. The cause is logged, never
// returned, so callers cannot tell a bad signature from an expired token.
var ErrRejected = errors.New("token rejected")

// asymmetricMethods are the only algorithms accepted. HMAC is excluded so a
// public key can never be used as a shared secret.
var asymmetricMethods = []string{
	"ES256", "ES384", "ES512",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
}

// Validator checks broker tokens.
type Validator struct {
	keys     KeySource
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLeeway tolerates clock skew when checking exp.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.leeway = d }
}

// WithValidatorClock overrides the time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator expecting issuer and audience.
func NewValidator(src KeySource, issuer, audience string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys:     src,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies the signature, then exp, iss and aud, and returns the
// token's principal. Every failure is reported as ErrRejected.
func (v *Validator) Validate(ctx context.Context, raw string) (*Principal, error) {
	p, err := v.validate(ctx, raw)
	if err != nil {
		slog.DebugContext(ctx, "broker token rejected", "reason", err)
		return nil, ErrRejected
	}
	return p, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(asymmetricMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	return principalFromClaims(claims)
}

func principalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing subject")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("missing expiry")
	}
	iss, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()

	p := &Principal{
		Subject:   sub,
		Issuer:    iss,
		ExpiresAt: exp.Time,
		Claims:    map[string]any(claims),
	}
	if len(aud) > 0 {
		p.Audience = aud[0]
	}
	if s, ok := claims[ClaimScope].(string); ok {
		p.Scopes = strings.Fields(s)
	}
	p.Actor, _ = claims[ClaimActor].(string)
	p.ObjectID, _ = claims[ClaimObjectID].(string)
	p.ClientID, _ = claims[ClaimClientID].(string)
	return p, nil
}
