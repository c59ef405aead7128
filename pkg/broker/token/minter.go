// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/oborelay/oborelay/pkg/broker/keys"
)

// Minter signs broker tokens with the provider's current signing key.
type Minter struct {
	signer jose.Signer
	keyID  string
	now    func() time.Time
}

// MinterOption configures a Minter.
type MinterOption func(*Minter)

// WithMinterClock overrides the time source used for iat.
func WithMinterClock(now func() time.Time) MinterOption {
	return func(m *Minter) { m.now = now }
}

// NewMinter loads the signing key and proves it can sign. An error here means
// the broker is misconfigured and must not start.
func NewMinter(ctx context.Context, provider keys.KeyProvider, opts ...MinterOption) (*Minter, error) {
	sk, err := provider.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if sk == nil || sk.Key == nil {
		return nil, keys.ErrNoSigningKey
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(sk.Algorithm), Key: sk.Key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), sk.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	m := &Minter{signer: signer, keyID: sk.KeyID, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := signer.Sign([]byte("{}")); err != nil {
		return nil, fmt.Errorf("signing key is unusable: %w", err)
	}
	return m, nil
}

// KeyID returns the kid stamped on minted tokens.
func (m *Minter) KeyID() string {
	return m.keyID
}

// Mint builds and signs a token for req. The output depends only on req and
// the current time.
func (m *Minter) Mint(req MintRequest) (string, error) {
	if req.Issuer == "" || req.Subject == "" || req.Audience == "" {
		return "", errors.New("issuer, subject and audience are required")
	}

	now := m.now()
	if !req.ExpiresAt.After(now) {
		return "", fmt.Errorf("token expiry %s is not in the future", req.ExpiresAt.Format(time.RFC3339))
	}

	for name := range req.Extra {
		if slices.Contains(reservedClaims, name) {
			return "", fmt.Errorf("extra claim %q collides with a reserved claim", name)
		}
	}

	registered := jwt.Claims{
		Issuer:   req.Issuer,
		Subject:  req.Subject,
		Audience: jwt.Audience{req.Audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(req.ExpiresAt),
	}

	private := map[string]any{
		ClaimScope: strings.Join(req.Scopes, " "),
	}
	if req.Actor != "" {
		private[ClaimActor] = req.Actor
	}
	if req.ObjectID != "" {
		private[ClaimObjectID] = req.ObjectID
	}
	if req.ClientID != "" {
		private[ClaimClientID] = req.ClientID
	}

	builder := jwt.Signed(m.signer).Claims(registered).Claims(private)
	if len(req.Extra) > 0 {
		builder = builder.Claims(req.Extra)
	}

	raw, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}
