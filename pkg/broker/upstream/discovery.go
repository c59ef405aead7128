// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/oborelay/oborelay/pkg/logger"
)

// Discover fills the authorization and token endpoints from the issuer's
// OpenID configuration. Endpoints already set are kept.
func Discover(ctx context.Context, cfg *Config, httpClient *http.Client) error {
	if cfg.Issuer == "" || (cfg.AuthorizationEndpoint != "" && cfg.TokenEndpoint != "") {
		return nil
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return fmt.Errorf("failed to discover upstream provider %s: %w", cfg.Issuer, err)
	}

	ep := provider.Endpoint()
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = ep.AuthURL
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = ep.TokenURL
	}

	logger.Infow("discovered upstream endpoints",
		"issuer", cfg.Issuer,
		"authorization_endpoint", cfg.AuthorizationEndpoint,
		"token_endpoint", cfg.TokenEndpoint,
	)
	return nil
}
