// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the asymmetric keys the broker signs its access
// tokens with and publishes as a JWKS document.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is used for generated keys.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when a provider has no usable signing key.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKeyData is a private signing key with its metadata. Never expose it.
type SigningKeyData struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKeyData is the public half of a signing key, safe to publish.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

func (k *SigningKeyData) clone() *SigningKeyData {
	c := *k
	return &c
}

func (k *SigningKeyData) public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}
