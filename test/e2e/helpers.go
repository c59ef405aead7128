// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package e2e provides end-to-end testing utilities for oborelay.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/oauth2-proxy/mockoidc"
	"golang.org/x/oauth2"

	"github.com/oborelay/oborelay/pkg/broker"
	"github.com/oborelay/oborelay/pkg/broker/config"
	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
)

// Fixed values shared by the relay scenarios.
const (
	ClientID          = "mcp-inspector"
	ClientRedirectURI = "http://localhost:6274/oauth/callback"
	DownstreamHost    = "graph.microsoft.com"
	DownstreamToken   = "graph-access-token"
	ServiceClientID   = "nightly-sync"
	ServiceSecret     = "nightly-secret"
)

// RelayEnv is a running broker wired to a mock OIDC upstream, a mock
// on-behalf-of token endpoint and a backend that echoes what it receives.
type RelayEnv struct {
	Broker    *broker.Broker
	BrokerURL string
	Upstream  *mockoidc.MockOIDC

	// Exchanges counts requests to the on-behalf-of token endpoint.
	Exchanges atomic.Int32

	// BackendAuth is the Authorization header of the last backend request.
	BackendAuth atomic.Value

	closers []func()
}

// StartRelayEnv starts every component. actMode selects how the upstream
// token rides in broker tokens.
func StartRelayEnv(ctx context.Context, actMode obo.ActMode) (*RelayEnv, error) {
	env := &RelayEnv{}

	m, err := mockoidc.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start mock upstream: %w", err)
	}
	env.Upstream = m
	env.closers = append(env.closers, func() { _ = m.Shutdown() })

	oboEndpoint := httptest.NewServer(http.HandlerFunc(env.serveOBO))
	env.closers = append(env.closers, oboEndpoint.Close)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.BackendAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	}))
	env.closers = append(env.closers, backend.Close)

	// The issuer must be known before the broker is built.
	var handler atomic.Pointer[http.Handler]
	brokerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := handler.Load()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		(*h).ServeHTTP(w, r)
	}))
	env.closers = append(env.closers, brokerSrv.Close)
	env.BrokerURL = brokerSrv.URL

	cfg := &config.Config{
		Issuer:            brokerSrv.URL,
		InsecureAllowHTTP: true,
		DefaultScope:      "openid profile",
		ActMode:           actMode,
		Upstream: upstream.Config{
			Issuer:       m.Issuer(),
			ClientID:     m.Config().ClientID,
			ClientSecret: m.Config().ClientSecret,
			RedirectURI:  brokerSrv.URL + "/callback",
		},
		ConfidentialClients: []config.ConfidentialClient{{
			ClientID:     ServiceClientID,
			ClientSecret: ServiceSecret,
			Scopes:       []string{"tools.read"},
		}},
		Servers: []servers.Config{
			{Name: "identity", Path: "/identity", Builtin: servers.BuiltinIdentity},
			{Name: "graph", Path: "/graph", BackendURL: backend.URL, DownstreamHost: DownstreamHost},
		},
		OBO: config.OBOConfig{
			Registrations: []obo.Registration{{
				Host:          DownstreamHost,
				TokenEndpoint: oboEndpoint.URL + "/oauth2/v2.0/token",
				ClientID:      "broker-app",
				ClientSecret:  "broker-app-secret",
				Scopes:        []string{"https://graph.microsoft.com/.default"},
			}},
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		env.Close()
		return nil, err
	}

	b, err := broker.New(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Broker = b
	env.closers = append(env.closers, func() { _ = b.Close() })
	h := b.Handler()
	handler.Store(&h)

	return env, nil
}

// Close stops every component in reverse start order.
func (e *RelayEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *RelayEnv) serveOBO(w http.ResponseWriter, r *http.Request) {
	e.Exchanges.Add(1)
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseForm(); err != nil ||
		r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" ||
		r.PostForm.Get("assertion") == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": DownstreamToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "https://graph.microsoft.com/.default",
	})
}

// NoRedirectClient returns a client that hands every redirect back to the
// caller.
func NoRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Login drives a full authorization code flow through the broker and the
// mock upstream and returns the broker access token response.
func (e *RelayEnv) Login(ctx context.Context, state string) (map[string]any, error) {
	client := NoRedirectClient()
	verifier := oauth2.GenerateVerifier()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {ClientID},
		"redirect_uri":          {ClientRedirectURI},
		"state":                 {state},
		"scope":                 {"openid profile"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}

	upstreamURL, err := follow(ctx, client, e.BrokerURL+"/authorize?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	callbackURL, err := follow(ctx, client, upstreamURL.String())
	if err != nil {
		return nil, fmt.Errorf("upstream authorize: %w", err)
	}
	clientURL, err := follow(ctx, client, callbackURL.String())
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	if got := clientURL.Query().Get("state"); got != state {
		return nil, fmt.Errorf("client redirect carries state %q, want %q", got, state)
	}

	return e.Token(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {clientURL.Query().Get("code")},
		"code_verifier": {verifier},
		"client_id":     {ClientID},
		"redirect_uri":  {ClientRedirectURI},
	})
}

// Token posts form to the broker token endpoint and decodes a 200 response.
func (e *RelayEnv) Token(ctx context.Context, form url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BrokerURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("token endpoint returned %d: %v", resp.StatusCode, body["error"])
	}
	return body, nil
}

func follow(ctx context.Context, client *http.Client, target string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("%s returned %d, want 302", target, resp.StatusCode)
	}
	return resp.Location()
}
