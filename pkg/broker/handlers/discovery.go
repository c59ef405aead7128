// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oborelay/oborelay/pkg/broker/keys"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for metadata documents (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600

	// corsMaxAge is how long browsers may cache the metadata preflight.
	corsMaxAge = "86400"
)

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns every public key a broker token may currently be verified with.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	jwks, err := keys.PublicJWKS(req.Context(), h.keys)
	if err != nil {
		slog.Error("failed to build JWKS",
			"error", err,
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeCachedJSON(w, jwks, DefaultJWKSCacheMaxAge)
}

func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	issuer := h.config.Issuer
	return AuthorizationServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/authorize",
		TokenEndpoint:                 issuer + "/token",
		JWKSURI:                       issuer + "/.well-known/jwks.json",
		ScopesSupported:               h.config.Scopes(),
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials},
		CodeChallengeMethodsSupported: []string{PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{
			"none", "client_secret_post", "client_secret_basic",
		},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeCachedJSON(w, h.buildOAuthMetadata(), DefaultDiscoveryCacheMaxAge)
}

// ProtectedResourceHandler handles GET /.well-known/oauth-protected-resource/{path}.
// The path selects the server whose metadata is returned.
func (h *Handler) ProtectedResourceHandler(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w, req)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s, ok := h.registry.Match("/" + chi.URLParam(req, "*"))
	if !ok {
		http.NotFound(w, req)
		return
	}

	writeCachedJSON(w, ProtectedResourceMetadata{
		Resource:               s.Resource,
		AuthorizationServers:   []string{h.config.AuthorizationServerURL},
		BearerMethodsSupported: []string{"header"},
		JWKSURI:                h.config.Issuer + "/.well-known/jwks.json",
		ScopesSupported:        s.Scopes,
		ResourceName:           s.Name,
	}, DefaultDiscoveryCacheMaxAge)
}

// setCORSHeaders lets browser-based MCP clients read the metadata.
func setCORSHeaders(w http.ResponseWriter, req *http.Request) {
	origin := req.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	if origin != "*" {
		w.Header().Add("Vary", "Origin")
	}
}

func writeCachedJSON(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode metadata document",
			"error", err,
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
