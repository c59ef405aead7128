// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// LoadSigningKeyFile reads a PEM private key from path.
func LoadSigningKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey decodes a PEM private key. RSA keys may be PKCS1 or PKCS8,
// EC keys SEC 1 or PKCS8.
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// DeriveKeyID returns the base64url RFC 7638 SHA-256 thumbprint of the public key.
func DeriveKeyID(key crypto.Signer) (string, error) {
	thumbprint, err := (&jose.JSONWebKey{Key: key.Public()}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type and curve.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return "", fmt.Errorf("RSA key must be at least 2048 bits, got %d", k.N.BitLen())
		}
		return "RS256", nil
	case *ecdsa.PrivateKey:
		return curveAlgorithm(k.Curve)
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func curveAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "ES256", nil
	case elliptic.P384():
		return "ES384", nil
	case elliptic.P521():
		return "ES512", nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// checkAlgorithm rejects an explicitly configured algorithm the key cannot produce.
func checkAlgorithm(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
			return nil
		}
		return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
	case *ecdsa.PrivateKey:
		want, err := curveAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != want {
			return fmt.Errorf("algorithm %s is not compatible with EC curve %s (expected %s)",
				alg, k.Curve.Params().Name, want)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}

// newSigningKeyData derives the key id and, when alg is empty, the algorithm.
func newSigningKeyData(key crypto.Signer, alg string) (*SigningKeyData, error) {
	if alg == "" {
		derived, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, err
		}
		alg = derived
	} else if err := checkAlgorithm(alg, key); err != nil {
		return nil, err
	}

	kid, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}
	return &SigningKeyData{KeyID: kid, Algorithm: alg, Key: key}, nil
}
