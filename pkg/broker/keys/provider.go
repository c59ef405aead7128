// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go KeyProvider

// KeyProvider provides the broker's signing key and the public keys to publish.
type KeyProvider interface {
	// SigningKey returns the key new tokens are signed with.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns every key a token may currently be verified with.
	// During rotation this includes retired keys.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// FileProvider serves keys loaded from PEM files once at construction.
type FileProvider struct {
	signing *SigningKeyData
	all     []*SigningKeyData
}

// NewFileProvider loads the signing key and any fallback keys from cfg.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signing, err := loadKey(cfg.path(cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	all := []*SigningKeyData{signing}
	for _, name := range cfg.FallbackKeyFiles {
		k, err := loadKey(cfg.path(name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		all = append(all, k)
	}

	return &FileProvider{signing: signing, all: all}, nil
}

func loadKey(path, alg string) (*SigningKeyData, error) {
	signer, err := LoadSigningKeyFile(path)
	if err != nil {
		return nil, err
	}
	k, err := newSigningKeyData(signer, alg)
	if err != nil {
		return nil, err
	}
	k.CreatedAt = time.Now()
	return k, nil
}

// SigningKey returns a copy of the primary key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signing.clone(), nil
}

// PublicKeys returns the signing key and fallback keys.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	out := make([]*PublicKeyData, 0, len(p.all))
	for _, k := range p.all {
		out = append(out, k.public())
	}
	return out, nil
}

// GeneratingProvider creates an ephemeral key on first use. Tokens it signs
// stop verifying when the process restarts, so it is meant for development.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider for algorithm, or DefaultAlgorithm if empty.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the generated key, creating it on the first call.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		priv, err := generatePrivateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		k, err := newSigningKeyData(priv, p.algorithm)
		if err != nil {
			return nil, err
		}
		k.CreatedAt = time.Now()

		slog.Warn("generated ephemeral signing key - broker tokens will be invalid after restart",
			"algorithm", k.Algorithm,
			"key_id", k.KeyID,
		)
		p.key = k
	}
	return p.key.clone(), nil
}

// PublicKeys returns the generated key's public half.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	k, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{k.public()}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// Config selects where signing keys come from. With no SigningKeyFile an
// ephemeral key is generated.
type Config struct {
	// KeyDir, when set, is prepended to relative key file names.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir,omitempty"`

	// SigningKeyFile is the PEM key new tokens are signed with.
	SigningKeyFile string `mapstructure:"signing_key_file" yaml:"signing_key_file,omitempty"`

	// FallbackKeyFiles stay in the JWKS after rotation until their tokens expire.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files,omitempty"`

	// Algorithm overrides the algorithm derived from the key.
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm,omitempty"`
}

func (c Config) path(name string) string {
	if c.KeyDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.KeyDir, name)
}

// NewProviderFromConfig returns a FileProvider when a signing key file is
// configured and a GeneratingProvider otherwise.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.SigningKeyFile != "" {
		return NewFileProvider(cfg)
	}
	if cfg.KeyDir != "" {
		return nil, fmt.Errorf("key_dir is set but signing_key_file is empty")
	}
	return NewGeneratingProvider(cfg.Algorithm), nil
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
