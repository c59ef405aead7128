// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/oborelay/oborelay/pkg/broker/keys"
)

// ErrKeyNotFound is returned when no verification key matches a token's kid.
var ErrKeyNotFound = errors.New("verification key not found")

// KeySource resolves the public key a token was signed with.
type KeySource interface {
	// Key returns the public key for kid. An empty kid matches only when the
	// source holds a single key.
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// LocalKeySource verifies against the broker's own key provider.
type LocalKeySource struct {
	provider keys.KeyProvider
}

// NewLocalKeySource creates a KeySource over provider.
func NewLocalKeySource(provider keys.KeyProvider) *LocalKeySource {
	return &LocalKeySource{provider: provider}
}

// Key implements KeySource.
func (s *LocalKeySource) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	pubs, err := s.provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}
	if kid == "" && len(pubs) == 1 {
		return pubs[0].PublicKey, nil
	}
	for _, k := range pubs {
		if k.KeyID == kid {
			return k.PublicKey, nil
		}
	}
	return nil, ErrKeyNotFound
}

// RemoteKeySource verifies against a JWKS document fetched over HTTP and
// refreshed in the background.
type RemoteKeySource struct {
	url   string
	cache *jwk.Cache

	mu          sync.Mutex
	registered  bool
	registerErr error
}

// NewRemoteKeySource creates a RemoteKeySource for jwksURL. The URL is
// registered lazily on first use so startup does not block on the network.
func NewRemoteKeySource(ctx context.Context, jwksURL string, client *http.Client) (*RemoteKeySource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteKeySource{url: jwksURL, cache: cache}, nil
}

func (s *RemoteKeySource) ensureRegistered(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return s.registerErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.cache.Register(regCtx, s.url); err != nil {
		s.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	s.registered = true
	return s.registerErr
}

// Key implements KeySource.
func (s *RemoteKeySource) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if err := s.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	var key jwk.Key
	switch {
	case kid != "":
		k, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, ErrKeyNotFound
		}
		key = k
	case set.Len() == 1:
		k, _ := set.Key(0)
		key = k
	default:
		return nil, ErrKeyNotFound
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

var (
	_ KeySource = (*LocalKeySource)(nil)
	_ KeySource = (*RemoteKeySource)(nil)
)
