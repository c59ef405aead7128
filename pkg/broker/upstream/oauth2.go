// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/oborelay/oborelay/pkg/logger"
	"github.com/oborelay/oborelay/pkg/networking"
)

// PKCEChallengeMethodS256 is the only challenge method forwarded upstream.
const PKCEChallengeMethodS256 = "S256"

// OAuth2Provider is a Provider for any RFC 6749 authorization server.
type OAuth2Provider struct {
	oauth       *oauth2.Config
	httpClient  *http.Client
	extraParams map[string]string
}

// NewOAuth2Provider creates a provider from a validated config.
func NewOAuth2Provider(cfg *Config, httpClient *http.Client) (*OAuth2Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	style := oauth2.AuthStyleInParams
	if cfg.AuthStyle == AuthStyleHeader {
		style = oauth2.AuthStyleInHeader
	}

	return &OAuth2Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: style,
			},
		},
		httpClient:  httpClient,
		extraParams: cfg.AuthorizeParams,
	}, nil
}

// AuthorizationURL implements Provider. The client's state and scope pass
// through unchanged; redirect_uri is always the broker's callback.
func (p *OAuth2Provider) AuthorizationURL(req AuthorizationRequest) string {
	opts := make([]oauth2.AuthCodeOption, 0, 3+len(p.extraParams))
	for k, v := range p.extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if req.Scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", req.Scope))
	}
	if req.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", PKCEChallengeMethodS256),
		)
	}

	logger.Debugw("building upstream authorization URL",
		"authorization_endpoint", p.oauth.Endpoint.AuthURL,
		"has_code_challenge", req.CodeChallenge != "",
	)

	return p.oauth.AuthCodeURL(req.State, opts...)
}

// ExchangeCode implements Provider.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	logger.Debugw("exchanging authorization code upstream",
		"token_endpoint", p.oauth.Endpoint.TokenURL,
		"has_pkce_verifier", codeVerifier != "",
	)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := p.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), code, opts...)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &networking.HTTPError{
				StatusCode:  re.Response.StatusCode,
				URL:         p.oauth.Endpoint.TokenURL,
				Body:        re.Body,
				ContentType: re.Response.Header.Get("Content-Type"),
			}
		}
		return nil, fmt.Errorf("upstream token request failed: %w", err)
	}

	tokens := &Tokens{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresAt:   tok.Expiry,
	}
	if idt, ok := tok.Extra("id_token").(string); ok {
		tokens.IDToken = idt
	}

	logger.Debugw("upstream code exchange successful",
		"has_id_token", tokens.IDToken != "",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
	return tokens, nil
}

var _ Provider = (*OAuth2Provider)(nil)
