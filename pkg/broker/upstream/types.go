// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the identity provider the broker relays logins
// to. The broker is a confidential client of that provider; the public
// clients in front of the broker never are.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=types.go Provider

// AuthStyle selects how client credentials are sent to the token endpoint.
type AuthStyle string

const (
	// AuthStyleParams sends client_id and client_secret in the form body.
	AuthStyleParams AuthStyle = "params"
	// AuthStyleHeader uses HTTP Basic authentication.
	AuthStyleHeader AuthStyle = "header"
)

// Config describes the upstream provider and the broker's registration there.
type Config struct {
	// Issuer enables OIDC discovery of the endpoints below when they are empty.
	Issuer string `mapstructure:"issuer" yaml:"issuer,omitempty"`

	AuthorizationEndpoint string `mapstructure:"authorization_endpoint" yaml:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `mapstructure:"token_endpoint" yaml:"token_endpoint,omitempty"`

	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// RedirectURI is the broker's own /callback URL registered upstream.
	RedirectURI string `mapstructure:"redirect_uri" yaml:"redirect_uri,omitempty"`

	AuthStyle AuthStyle `mapstructure:"auth_style" yaml:"auth_style,omitempty"`

	// AuthorizeParams are added to every upstream authorize redirect (e.g. prompt).
	AuthorizeParams map[string]string `mapstructure:"authorize_params" yaml:"authorize_params,omitempty"`

	// CABundle is a PEM file of extra roots trusted for upstream TLS.
	CABundle string `mapstructure:"ca_bundle" yaml:"ca_bundle,omitempty"`
}

// Validate checks the configuration after discovery has run.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("upstream client_id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("upstream redirect_uri is required")
	}
	for name, v := range map[string]string{
		"authorization_endpoint": c.AuthorizationEndpoint,
		"token_endpoint":         c.TokenEndpoint,
		"redirect_uri":           c.RedirectURI,
	} {
		if v == "" {
			return fmt.Errorf("upstream %s is required (set it or configure issuer for discovery)", name)
		}
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream %s must be an absolute URL", name)
		}
	}
	switch c.AuthStyle {
	case "", AuthStyleParams, AuthStyleHeader:
	default:
		return fmt.Errorf("unsupported upstream auth_style %q", c.AuthStyle)
	}
	return nil
}

// AuthorizationRequest carries what the broker forwards from the client's
// /authorize request.
type AuthorizationRequest struct {
	State         string
	CodeChallenge string
	Scope         string
}

// Tokens is a successful upstream token response.
type Tokens struct {
	AccessToken string
	IDToken     string
	TokenType   string
	// ExpiresAt comes from expires_in; zero when the provider omitted it.
	ExpiresAt time.Time
}

// String returns a string representation of the Tokens with secrets redacted.
func (t *Tokens) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Tokens{TokenType: %s, ExpiresAt: %s, HasIDToken: %t, AccessToken: [REDACTED]}",
		t.TokenType, t.ExpiresAt.Format(time.RFC3339), t.IDToken != "")
}

// Provider is the upstream authorization server.
type Provider interface {
	// AuthorizationURL builds the upstream authorize redirect.
	AuthorizationURL(req AuthorizationRequest) string

	// ExchangeCode redeems code with the broker's confidential credentials.
	// A rejection by the provider is returned as *networking.HTTPError with
	// the provider's status and body.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)
}
