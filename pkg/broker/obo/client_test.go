// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oborelay/oborelay/pkg/networking"
)

func fastClient() *HTTPClient {
	return NewHTTPClient(WithInitialInterval(time.Millisecond), WithMaxTries(3))
}

func TestHTTPClient_JWTBearer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantTypeJWTBearer, r.PostForm.Get("grant_type"))
		assert.Equal(t, "upstream-at", r.PostForm.Get("assertion"))
		assert.Equal(t, "on_behalf_of", r.PostForm.Get("requested_token_use"))
		assert.Equal(t, "https://graph.microsoft.com/.default", r.PostForm.Get("scope"))
		assert.Equal(t, "obo-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "obo-secret", r.PostForm.Get("client_secret"))
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"graph-at","token_type":"Bearer","expires_in":3600,"scope":"User.Read"}`))
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{
		Host:          "graph.microsoft.com",
		TokenEndpoint: srv.URL,
		ClientID:      "obo-client",
		ClientSecret:  "obo-secret",
		Scopes:        []string{"https://graph.microsoft.com/.default"},
	}

	tok, err := fastClient().Exchange(context.Background(), reg, "upstream-at")
	require.NoError(t, err)
	assert.Equal(t, "graph-at", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "User.Read", tok.Scope)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)
	assert.NotContains(t, tok.String(), "graph-at")
}

func TestHTTPClient_TokenExchange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "te%2Fclient", id)
		assert.Equal(t, "s%3Acret", secret)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantTypeTokenExchange, r.PostForm.Get("grant_type"))
		assert.Equal(t, "upstream-at", r.PostForm.Get("subject_token"))
		assert.Equal(t, tokenTypeAccessToken, r.PostForm.Get("subject_token_type"))
		assert.Equal(t, "https://api.example.com", r.PostForm.Get("audience"))
		assert.Empty(t, r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"api-at","issued_token_type":"` + tokenTypeAccessToken + `","token_type":"Bearer"}`))
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{
		Host:          "api.example.com",
		TokenEndpoint: srv.URL,
		ClientID:      "te/client",
		ClientSecret:  "s:cret",
		Audience:      "https://api.example.com",
		Grant:         GrantTokenExchange,
	}

	tok, err := fastClient().Exchange(context.Background(), reg, "upstream-at")
	require.NoError(t, err)
	assert.Equal(t, "api-at", tok.AccessToken)
	assert.True(t, tok.ExpiresAt.IsZero())
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ok","token_type":"Bearer","expires_in":60}`))
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{Host: "h", TokenEndpoint: srv.URL, ClientID: "c"}
	tok, err := fastClient().Exchange(context.Background(), reg, "a")
	require.NoError(t, err)
	assert.Equal(t, "ok", tok.AccessToken)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPClient_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS50013: Assertion failed signature validation."}`))
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{Host: "h", TokenEndpoint: srv.URL, ClientID: "c"}
	_, err := fastClient().Exchange(context.Background(), reg, "a")
	require.Error(t, err)
	assert.True(t, networking.IsHTTPError(err, http.StatusBadRequest))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPClient_GivesUpAfterMaxTries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{Host: "h", TokenEndpoint: srv.URL, ClientID: "c"}
	_, err := fastClient().Exchange(context.Background(), reg, "a")
	require.Error(t, err)
	assert.True(t, networking.IsHTTPError(err, http.StatusBadGateway))
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPClient_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	t.Cleanup(srv.Close)

	reg := &Registration{Host: "h", TokenEndpoint: srv.URL, ClientID: "c"}
	_, err := fastClient().Exchange(context.Background(), reg, "a")
	require.ErrorContains(t, err, "empty access_token")
}

func TestRegistration_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reg     Registration
		wantErr string
	}{
		{"valid", Registration{Host: "h", ClientID: "c", TokenEndpoint: "https://idp/token"}, ""},
		{"no host", Registration{ClientID: "c", TokenEndpoint: "https://idp/token"}, "host is required"},
		{"no client", Registration{Host: "h", TokenEndpoint: "https://idp/token"}, "client_id is required"},
		{"relative endpoint", Registration{Host: "h", ClientID: "c", TokenEndpoint: "/token"}, "absolute URL"},
		{"bad grant", Registration{Host: "h", ClientID: "c", TokenEndpoint: "https://idp/token", Grant: "password"}, "unsupported grant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.reg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRegistration_StringRedactsSecret(t *testing.T) {
	t.Parallel()
	reg := &Registration{Host: "h", ClientID: "c", ClientSecret: "topsecret"}
	assert.NotContains(t, reg.String(), "topsecret")
	assert.Contains(t, reg.String(), redactedPlaceholder)
}
