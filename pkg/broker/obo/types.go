// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package obo exchanges the upstream user token wrapped in a broker token
// for tokens scoped to individual downstream API hosts.
package obo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=types.go Client

const (
	// DefaultExpiryMargin is subtracted from a downstream token's expiry
	// before it is cached.
	DefaultExpiryMargin = 2 * time.Minute

	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// Grant selects the exchange protocol spoken with a downstream token endpoint.
type Grant string

const (
	// GrantJWTBearer is the Entra ID on-behalf-of flow (RFC 7523 assertion
	// with requested_token_use=on_behalf_of).
	GrantJWTBearer Grant = "jwt-bearer"
	// GrantTokenExchange is RFC 8693 token exchange.
	GrantTokenExchange Grant = "token-exchange"
)

// AuthStyle selects how client credentials reach the token endpoint.
type AuthStyle string

const (
	AuthStyleParams AuthStyle = "params"
	AuthStyleHeader AuthStyle = "header"
)

// Registration is the broker's OBO client registration for one downstream host.
type Registration struct {
	// Host is the downstream API host tools ask tokens for, e.g. graph.microsoft.com.
	Host string `mapstructure:"host" yaml:"host"`

	TokenEndpoint string   `mapstructure:"token_endpoint" yaml:"token_endpoint"`
	ClientID      string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret" yaml:"client_secret"`
	Scopes        []string `mapstructure:"scopes" yaml:"scopes,omitempty"`
	Audience      string   `mapstructure:"audience" yaml:"audience,omitempty"`

	// Grant defaults to jwt-bearer.
	Grant Grant `mapstructure:"grant" yaml:"grant,omitempty"`

	// AuthStyle defaults to params for jwt-bearer and header for token-exchange.
	AuthStyle AuthStyle `mapstructure:"auth_style" yaml:"auth_style,omitempty"`
}

// Validate checks the registration.
func (r *Registration) Validate() error {
	if r.Host == "" {
		return errors.New("host is required")
	}
	if r.ClientID == "" {
		return fmt.Errorf("client_id is required for host %s", r.Host)
	}
	u, err := url.Parse(r.TokenEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("token_endpoint for host %s must be an absolute URL", r.Host)
	}
	switch r.Grant {
	case "", GrantJWTBearer, GrantTokenExchange:
	default:
		return fmt.Errorf("unsupported grant %q for host %s", r.Grant, r.Host)
	}
	switch r.AuthStyle {
	case "", AuthStyleParams, AuthStyleHeader:
	default:
		return fmt.Errorf("unsupported auth_style %q for host %s", r.AuthStyle, r.Host)
	}
	return nil
}

func (r *Registration) grant() Grant {
	if r.Grant == "" {
		return GrantJWTBearer
	}
	return r.Grant
}

func (r *Registration) authStyle() AuthStyle {
	if r.AuthStyle != "" {
		return r.AuthStyle
	}
	if r.grant() == GrantTokenExchange {
		return AuthStyleHeader
	}
	return AuthStyleParams
}

// String implements fmt.Stringer, redacting the client secret.
func (r *Registration) String() string {
	secret := redactedPlaceholder
	if r.ClientSecret == "" {
		secret = emptyPlaceholder
	}
	return fmt.Sprintf("Registration{Host: %s, Grant: %s, ClientID: %s, ClientSecret: %s, Scopes: %s}",
		r.Host, r.grant(), r.ClientID, secret, strings.Join(r.Scopes, " "))
}

// DownstreamToken is an access token for one downstream host.
type DownstreamToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// String implements fmt.Stringer, redacting the access token.
func (t DownstreamToken) String() string {
	at := redactedPlaceholder
	if t.AccessToken == "" {
		at = emptyPlaceholder
	}
	return fmt.Sprintf("DownstreamToken{TokenType: %s, ExpiresAt: %s, AccessToken: %s}",
		t.TokenType, t.ExpiresAt.Format(time.RFC3339), at)
}

// Client performs a single exchange against a downstream token endpoint.
type Client interface {
	// Exchange trades assertion, an upstream access token, for a token
	// scoped by reg.
	Exchange(ctx context.Context, reg *Registration, assertion string) (*DownstreamToken, error)
}

// NormalizeHost lowercases host and strips a default https port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ":443")
}
