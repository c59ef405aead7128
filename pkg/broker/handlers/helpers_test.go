// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/oborelay/oborelay/pkg/broker/cache"
	"github.com/oborelay/oborelay/pkg/broker/config"
	"github.com/oborelay/oborelay/pkg/broker/keys"
	"github.com/oborelay/oborelay/pkg/broker/metrics"
	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/broker/upstream/mocks"
)

const (
	testIssuer      = "https://broker.example.com"
	testClientID    = "mcp-client"
	testRedirectURI = "http://localhost:3000/cb"
	testState       = "client-state-123"
	testChallenge   = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testSubject     = "user-1"
	testCCClientID  = "svc"
	testCCSecret    = "s3cret"
)

type testEnv struct {
	handler   *Handler
	upstream  *mocks.MockProvider
	flows     *storage.FlowStore
	sessions  *storage.SessionStore
	validator *token.Validator
	minter    *token.Minter
	keys      keys.KeyProvider
	metrics   *metrics.Metrics
	config    *config.Config
}

type envOption func(*config.Config)

func withActMode(mode obo.ActMode) envOption {
	return func(c *config.Config) { c.ActMode = mode }
}

func handlerTestSetup(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)

	cfg := &config.Config{
		Issuer: testIssuer,
		ConfidentialClients: []config.ConfidentialClient{
			{ClientID: testCCClientID, ClientSecret: testCCSecret, Scopes: []string{"tools.read", "tools.write"}},
		},
		Servers: []servers.Config{
			{Name: "github", Path: "/github", BackendURL: "http://github-mcp.internal"},
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.ApplyDefaults()

	pending := cache.NewMemoryCache[storage.FlowRecord]()
	relayed := cache.NewMemoryCache[storage.FlowRecord]()
	sessionCache := cache.NewMemoryCache[storage.UpstreamSession]()
	t.Cleanup(func() {
		_ = pending.Close()
		_ = relayed.Close()
		_ = sessionCache.Close()
	})
	flows := storage.NewFlowStore(pending, relayed, storage.FlowTTLs{Pending: cfg.PendingTTL, Code: cfg.CodeTTL})
	sessions := storage.NewSessionStore(sessionCache)

	kp := keys.NewGeneratingProvider("")
	minter, err := token.NewMinter(context.Background(), kp)
	require.NoError(t, err)
	validator := token.NewValidator(token.NewLocalKeySource(kp), cfg.Issuer, cfg.Audience)

	registry, err := servers.NewRegistry(cfg.Servers, cfg.Audience, cfg.Scopes())
	require.NoError(t, err)

	up := mocks.NewMockProvider(ctrl)
	m := metrics.New()

	h, err := NewHandler(Deps{
		Config:    cfg,
		Flows:     flows,
		Sessions:  sessions,
		Upstream:  up,
		Minter:    minter,
		Validator: validator,
		Keys:      kp,
		Registry:  registry,
		Backends:  map[string]http.Handler{"github": whoamiBackend()},
		Metrics:   m,
	})
	require.NoError(t, err)

	return &testEnv{
		handler:   h,
		upstream:  up,
		flows:     flows,
		sessions:  sessions,
		validator: validator,
		minter:    minter,
		keys:      kp,
		metrics:   m,
		config:    cfg,
	}
}

// whoamiBackend echoes the principal the guard attached.
func whoamiBackend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := token.PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "no principal", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(p.Subject))
	})
}

// upstreamAccessToken builds an unsigned-looking JWT the way an IdP would
// hand one out; identity extraction does not verify it.
func upstreamAccessToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"oid": "oid-" + sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("upstream-test-key"))
	require.NoError(t, err)
	return raw
}

// relayCode runs /callback for a flow already begun under testState.
func (e *testEnv) relayCode(t *testing.T, code string) {
	t.Helper()
	_, err := e.flows.Relay(context.Background(), testState, code)
	require.NoError(t, err)
}

func (e *testEnv) beginFlow(t *testing.T) {
	t.Helper()
	require.NoError(t, e.flows.Begin(context.Background(), testState, storage.FlowRecord{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		CodeChallenge: testChallenge,
		Scope:         "openid profile",
	}))
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func scrapeMetrics(t *testing.T, e *testEnv) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
