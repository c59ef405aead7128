// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package servers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/errors"
)

type fakeExchanger struct {
	tok   *obo.DownstreamToken
	err   error
	calls atomic.Int32
	hosts []string
}

func (f *fakeExchanger) Exchange(_ context.Context, p *token.Principal, host string) (*obo.DownstreamToken, error) {
	f.calls.Add(1)
	if !p.HasUserContext() {
		return nil, errors.NewNoUserContextError("no user context for "+host, nil)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.tok, nil
}

func (f *fakeExchanger) Hosts() []string { return f.hosts }

type seen struct {
	path          string
	authorization string
	forwardedUser string
}

func newBackend(t *testing.T) (*httptest.Server, *atomic.Pointer[seen]) {
	t.Helper()
	var last atomic.Pointer[seen]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.Store(&seen{
			path:          r.URL.Path,
			authorization: r.Header.Get("Authorization"),
			forwardedUser: r.Header.Get(ForwardedUserHeader),
		})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func guardedRequest(path string, p *token.Principal) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Authorization", "Bearer broker-token")
	req.Header.Set(ForwardedUserHeader, "spoofed")
	return req.WithContext(token.WithPrincipal(req.Context(), p))
}

func TestProxy_SwapsInDownstreamToken(t *testing.T) {
	t.Parallel()
	backend, last := newBackend(t)

	ex := &fakeExchanger{
		tok:   &obo.DownstreamToken{AccessToken: "graph-at", ExpiresAt: time.Now().Add(time.Hour)},
		hosts: []string{"graph.microsoft.com"},
	}
	s := &Server{Name: "graph", Path: "/graph", BackendURL: backend.URL + "/base", DownstreamHost: "graph.microsoft.com"}
	h, err := NewProxy(s, ex, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, guardedRequest("/graph/mcp", &token.Principal{Subject: "u1", Actor: "upstream-at"}))

	require.Equal(t, http.StatusNoContent, rec.Code)
	got := last.Load()
	require.NotNil(t, got)
	assert.Equal(t, "/base/mcp", got.path)
	assert.Equal(t, "Bearer graph-at", got.authorization)
	assert.Empty(t, got.forwardedUser)
	assert.EqualValues(t, 1, ex.calls.Load())
}

func TestProxy_StripsBrokerTokenWithoutDownstreamHost(t *testing.T) {
	t.Parallel()
	backend, last := newBackend(t)

	s := &Server{Name: "tools", Path: "/tools", BackendURL: backend.URL}
	h, err := NewProxy(s, nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, guardedRequest("/tools/mcp", &token.Principal{Subject: "svc-client"}))

	require.Equal(t, http.StatusNoContent, rec.Code)
	got := last.Load()
	assert.Equal(t, "/mcp", got.path)
	assert.Empty(t, got.authorization)
	assert.Equal(t, "svc-client", got.forwardedUser)
}

func TestProxy_ExchangeFailureIsScopedToRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		principal  *token.Principal
		exErr      error
		wantStatus int
		wantError  string
	}{
		{
			name:       "downstream failure",
			principal:  &token.Principal{Subject: "u1", Actor: "upstream-at"},
			exErr:      errors.NewDownstreamError("on-behalf-of exchange for graph.microsoft.com failed", nil),
			wantStatus: http.StatusBadGateway,
			wantError:  errors.ErrDownstream,
		},
		{
			name:       "client credentials token",
			principal:  &token.Principal{Subject: "svc-client"},
			wantStatus: http.StatusForbidden,
			wantError:  errors.ErrNoUserContext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend, last := newBackend(t)
			s := &Server{Name: "graph", Path: "/graph", BackendURL: backend.URL, DownstreamHost: "graph.microsoft.com"}
			h, err := NewProxy(s, &fakeExchanger{err: tt.exErr, hosts: []string{"graph.microsoft.com"}}, nil)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, guardedRequest("/graph/mcp", tt.principal))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body errors.Body
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Nil(t, last.Load(), "backend must not be called")
		})
	}
}

func TestProxy_BackendDown(t *testing.T) {
	t.Parallel()

	s := &Server{Name: "tools", Path: "/tools", BackendURL: "http://127.0.0.1:1"}
	h, err := NewProxy(s, nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, guardedRequest("/tools/mcp", &token.Principal{Subject: "u1"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), errors.ErrBackendUnavailable)
}

func TestNewProxy_RequiresExchangerForDownstreamHost(t *testing.T) {
	t.Parallel()
	s := &Server{Name: "g", Path: "/g", BackendURL: "http://b", DownstreamHost: "Graph.Microsoft.com:443"}

	_, err := NewProxy(s, nil, nil)
	require.Error(t, err)

	_, err = NewProxy(s, &fakeExchanger{hosts: []string{"other.example.com"}}, nil)
	require.ErrorContains(t, err, "none is configured")

	_, err = NewProxy(s, &fakeExchanger{hosts: []string{"graph.microsoft.com"}}, nil)
	require.NoError(t, err)
}
