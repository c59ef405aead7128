// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers serves the broker's HTTP surface: the relayed OAuth
// endpoints, the discovery documents and the guarded server routes.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oborelay/oborelay/pkg/broker/config"
	"github.com/oborelay/oborelay/pkg/broker/keys"
	"github.com/oborelay/oborelay/pkg/broker/metrics"
	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
)

// Minter signs broker tokens.
type Minter interface {
	Mint(req token.MintRequest) (string, error)
}

// Validator checks broker tokens presented to guarded servers.
type Validator interface {
	Validate(ctx context.Context, raw string) (*token.Principal, error)
}

// Deps are the collaborators a Handler is built from.
type Deps struct {
	Config    *config.Config
	Flows     *storage.FlowStore
	Sessions  *storage.SessionStore
	Upstream  upstream.Provider
	Minter    Minter
	Validator Validator
	Keys      keys.KeyProvider
	Registry  *servers.Registry

	// Backends maps server names to the handler behind the guard.
	Backends map[string]http.Handler

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Handler provides HTTP handlers for the broker endpoints.
type Handler struct {
	config    *config.Config
	flows     *storage.FlowStore
	sessions  *storage.SessionStore
	upstream  upstream.Provider
	minter    Minter
	validator Validator
	keys      keys.KeyProvider
	registry  *servers.Registry
	backends  map[string]http.Handler
	metrics   *metrics.Metrics
	clients   map[string]config.ConfidentialClient
	now       func() time.Time
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(d Deps) (*Handler, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is required")
	case d.Flows == nil:
		return nil, errors.New("flow store is required")
	case d.Upstream == nil:
		return nil, errors.New("upstream provider is required")
	case d.Minter == nil || d.Validator == nil:
		return nil, errors.New("token minter and validator are required")
	case d.Keys == nil:
		return nil, errors.New("key provider is required")
	case d.Registry == nil:
		return nil, errors.New("server registry is required")
	}
	if d.Config.ActMode == obo.ActModeSession && d.Sessions == nil {
		return nil, errors.New("session store is required in session act mode")
	}
	for _, s := range d.Registry.All() {
		if d.Backends[s.Name] == nil {
			return nil, errors.New("no backend handler for server " + s.Name)
		}
	}

	clients := make(map[string]config.ConfidentialClient, len(d.Config.ConfidentialClients))
	for _, cc := range d.Config.ConfidentialClients {
		clients[cc.ClientID] = cc
	}

	now := d.Clock
	if now == nil {
		now = time.Now
	}

	return &Handler{
		config:    d.Config,
		flows:     d.Flows,
		sessions:  d.Sessions,
		upstream:  d.Upstream,
		minter:    d.Minter,
		validator: d.Validator,
		keys:      d.Keys,
		registry:  d.Registry,
		backends:  d.Backends,
		metrics:   d.Metrics,
		clients:   clients,
		now:       now,
	}, nil
}

// Routes returns a router with every broker endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthHandler)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	if h.config.Metrics.Enabled && h.metrics != nil {
		r.Handle(h.config.Metrics.Path, h.metrics.Handler())
	}
	h.ServerRoutes(r)
	return r
}

// OAuthRoutes registers the relayed OAuth endpoints.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
}

// WellKnownRoutes registers the JWKS and metadata documents.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get(servers.MetadataPrefix+"/*", h.ProtectedResourceHandler)
	r.Options(servers.MetadataPrefix+"/*", h.ProtectedResourceHandler)
}

// ServerRoutes mounts each registered server behind the guard.
func (h *Handler) ServerRoutes(r chi.Router) {
	for _, s := range h.registry.All() {
		guarded := h.Guard(s)(h.backends[s.Name])
		r.Handle(s.Path, guarded)
		r.Handle(s.Path+"/*", guarded)
	}
}

// HealthHandler reports liveness.
func (*Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
