// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oborelay/oborelay/pkg/logger"
	"github.com/oborelay/oborelay/pkg/networking"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxTries        = 3
	defaultInitialInterval = 200 * time.Millisecond

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20
)

// tokenResponse is a successful token endpoint response.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

// String implements fmt.Stringer for tokenResponse, redacting the token.
func (r tokenResponse) String() string {
	at := redactedPlaceholder
	if r.AccessToken == "" {
		at = emptyPlaceholder
	}
	return fmt.Sprintf("tokenResponse{AccessToken: %s, TokenType: %s, ExpiresIn: %d}", at, r.TokenType, r.ExpiresIn)
}

// oAuthError is an RFC 6749 §5.2 error body, parsed for logging only.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// HTTPClient is a Client that speaks to token endpoints over HTTP, retrying
// network failures and 5xx/429 responses with exponential backoff.
type HTTPClient struct {
	client          *http.Client
	maxTries        uint
	initialInterval time.Duration
	now             func() time.Time
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithMaxTries bounds the number of attempts, including the first.
func WithMaxTries(n uint) HTTPClientOption {
	return func(h *HTTPClient) {
		if n > 0 {
			h.maxTries = n
		}
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) HTTPClientOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.initialInterval = d
		}
	}
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{
		client:          &http.Client{Timeout: defaultHTTPTimeout},
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Exchange implements Client.
func (h *HTTPClient) Exchange(ctx context.Context, reg *Registration, assertion string) (*DownstreamToken, error) {
	if reg == nil {
		return nil, errors.New("registration is required")
	}
	if assertion == "" {
		return nil, errors.New("assertion is required")
	}

	form := buildForm(reg, assertion)
	logger.Debugw("performing on-behalf-of exchange",
		"host", reg.Host,
		"grant", reg.grant(),
		"token_endpoint", reg.TokenEndpoint,
	)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = h.initialInterval

	operation := func() (*tokenResponse, error) {
		return h.attempt(ctx, reg, form)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(h.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("on-behalf-of exchange failed, retrying",
				"host", reg.Host,
				"error", err,
				"retry_in", d,
			)
		}),
	)
	if err != nil {
		return nil, err
	}

	tok := &DownstreamToken{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Scope:       resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		tok.ExpiresAt = h.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (h *HTTPClient) attempt(ctx context.Context, reg *Registration, form url.Values) (*tokenResponse, error) {
	req, err := newTokenRequest(ctx, reg, form)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("token request to %s failed: %w", reg.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := networking.HTTPErrorFromResponse(resp)
		var oerr oAuthError
		if json.Unmarshal(httpErr.Body, &oerr) == nil && oerr.Error != "" {
			logger.Debugw("on-behalf-of exchange rejected",
				"host", reg.Host,
				"status", resp.StatusCode,
				"error", oerr.Error,
				"error_description", oerr.ErrorDescription,
			)
		}
		if httpErr.Retryable() {
			return nil, httpErr
		}
		return nil, backoff.Permanent(httpErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, backoff.Permanent(errors.New("failed to parse token response"))
	}
	if tr.AccessToken == "" {
		return nil, backoff.Permanent(errors.New("token endpoint returned empty access_token"))
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}
	return &tr, nil
}

func buildForm(reg *Registration, assertion string) url.Values {
	data := url.Values{}
	switch reg.grant() {
	case GrantTokenExchange:
		data.Set("grant_type", grantTypeTokenExchange)
		data.Set("subject_token", assertion)
		data.Set("subject_token_type", tokenTypeAccessToken)
		data.Set("requested_token_type", tokenTypeAccessToken)
		if reg.Audience != "" {
			data.Set("audience", reg.Audience)
		}
	default:
		data.Set("grant_type", grantTypeJWTBearer)
		data.Set("assertion", assertion)
		data.Set("requested_token_use", "on_behalf_of")
	}
	if len(reg.Scopes) > 0 {
		data.Set("scope", strings.Join(reg.Scopes, " "))
	}
	if reg.authStyle() == AuthStyleParams {
		data.Set("client_id", reg.ClientID)
		if reg.ClientSecret != "" {
			data.Set("client_secret", reg.ClientSecret)
		}
	}
	return data
}

func newTokenRequest(ctx context.Context, reg *Registration, form url.Values) (*http.Request, error) {
	encoded := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.TokenEndpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	req.Header.Set("Accept", "application/json")

	// Credentials are form-encoded before Basic auth per RFC 6749 §2.3.1.
	if reg.authStyle() == AuthStyleHeader {
		req.SetBasicAuth(url.QueryEscape(reg.ClientID), url.QueryEscape(reg.ClientSecret))
	}
	return req, nil
}

var _ Client = (*HTTPClient)(nil)
