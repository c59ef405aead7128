// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
	"github.com/oborelay/oborelay/pkg/errors"
	"github.com/oborelay/oborelay/pkg/networking"
)

// Grant types accepted at /token.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
)

// maxTokenRequestSize bounds the /token form body.
const maxTokenRequestSize = 64 << 10

// TokenResponse is the RFC 6749 §5.1 success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenHandler handles POST /token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxTokenRequestSize)
	if err := req.ParseForm(); err != nil {
		errors.WriteJSON(w, errors.NewInvalidRequestError("malformed token request", err))
		return
	}

	grantType := req.PostForm.Get("grant_type")
	switch grantType {
	case GrantTypeAuthorizationCode:
		h.authorizationCodeGrant(w, req)
	case GrantTypeClientCredentials:
		h.clientCredentialsGrant(w, req)
	case "":
		h.tokenError(w, "none", errors.NewInvalidRequestError("grant_type is required", nil))
	default:
		h.tokenError(w, "unsupported", errors.NewUnsupportedGrantTypeError("unsupported grant_type", nil))
	}
}

func (h *Handler) authorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	form := req.PostForm

	code := form.Get("code")
	verifier := form.Get("code_verifier")
	if code == "" || verifier == "" {
		h.tokenError(w, GrantTypeAuthorizationCode,
			errors.NewInvalidRequestError("missing required parameters", nil))
		return
	}

	rec, err := h.flows.Redeem(ctx, code)
	if err != nil {
		if stderrors.Is(err, storage.ErrUnknownOrExpired) {
			h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInvalidGrantError("unknown or expired code", err))
			return
		}
		slog.Error("failed to redeem authorization code",
			"error", err,
		)
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInternalError("failed to redeem authorization code", err))
		return
	}
	if id := form.Get("client_id"); id != "" && id != rec.ClientID {
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInvalidGrantError("code was issued to another client", nil))
		return
	}
	if uri := form.Get("redirect_uri"); uri != "" && uri != rec.RedirectURI {
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInvalidGrantError("redirect_uri does not match", nil))
		return
	}

	tokens, err := h.upstream.ExchangeCode(ctx, code, verifier)
	if err != nil {
		var httpErr *networking.HTTPError
		if stderrors.As(err, &httpErr) {
			slog.Debug("upstream rejected code exchange",
				"status", httpErr.StatusCode,
			)
			h.metrics.TokenError(GrantTypeAuthorizationCode, errors.ErrUpstream)
			writeUpstreamError(w, httpErr)
			return
		}
		slog.Error("upstream code exchange failed",
			"error", err,
		)
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewUpstreamError("upstream token request failed", err))
		return
	}

	id, err := upstream.ExtractIdentity(tokens)
	if err != nil {
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewUpstreamError("upstream token carries no subject", err))
		return
	}
	if id.ExpiresAt.IsZero() {
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewUpstreamError("upstream token has no expiry", nil))
		return
	}

	now := h.now()
	expiresAt := id.ExpiresAt.Add(-h.config.ExpiryMargin)
	if !expiresAt.After(now) {
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInvalidGrantError("upstream token expires too soon", nil))
		return
	}

	actor := tokens.AccessToken
	if h.config.ActMode == obo.ActModeSession {
		actor, err = h.sessions.Save(ctx, storage.UpstreamSession{
			AccessToken: tokens.AccessToken,
			Subject:     id.Subject,
			ExpiresAt:   id.ExpiresAt,
		})
		if err != nil {
			slog.Error("failed to store upstream session",
				"error", err,
			)
			h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInternalError("failed to store upstream session", err))
			return
		}
	}

	scopes := strings.Fields(rec.Scope)
	raw, err := h.minter.Mint(token.MintRequest{
		Issuer:    h.config.Issuer,
		Subject:   id.Subject,
		Audience:  h.config.Audience,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Actor:     actor,
		ObjectID:  id.ObjectID,
		ClientID:  rec.ClientID,
	})
	if err != nil {
		slog.Error("failed to mint broker token",
			"error", err,
		)
		h.tokenError(w, GrantTypeAuthorizationCode, errors.NewInternalError("failed to issue token", err))
		return
	}

	h.metrics.TokenIssued(GrantTypeAuthorizationCode)
	writeToken(w, raw, expiresAt.Sub(now), scopes)
}

func (h *Handler) clientCredentialsGrant(w http.ResponseWriter, req *http.Request) {
	clientID, secret := clientCredentials(req)
	if clientID == "" || secret == "" {
		h.tokenError(w, GrantTypeClientCredentials,
			errors.NewInvalidRequestError("client_id and client_secret are required", nil))
		return
	}

	cc, ok := h.clients[clientID]
	if !ok || subtle.ConstantTimeCompare([]byte(cc.ClientSecret), []byte(secret)) != 1 {
		h.tokenError(w, GrantTypeClientCredentials, errors.NewInvalidClientError("unknown confidential client", nil))
		return
	}

	allowed := cc.Scopes
	if len(allowed) == 0 {
		allowed = h.config.Scopes()
	}
	scopes := allowed
	if requested := strings.Fields(req.PostForm.Get("scope")); len(requested) > 0 {
		scopes = slices.DeleteFunc(requested, func(s string) bool { return !slices.Contains(allowed, s) })
		if len(scopes) == 0 {
			h.tokenError(w, GrantTypeClientCredentials,
				errors.NewInvalidRequestError("requested scope is not allowed for this client", nil))
			return
		}
	}

	now := h.now()
	ttl := h.config.ClientCredentialsTTL
	raw, err := h.minter.Mint(token.MintRequest{
		Issuer:    h.config.Issuer,
		Subject:   clientID,
		Audience:  h.config.Audience,
		Scopes:    scopes,
		ExpiresAt: now.Add(ttl),
		ClientID:  clientID,
	})
	if err != nil {
		slog.Error("failed to mint client token",
			"error", err,
		)
		h.tokenError(w, GrantTypeClientCredentials, errors.NewInternalError("failed to issue token", err))
		return
	}

	h.metrics.TokenIssued(GrantTypeClientCredentials)
	writeToken(w, raw, ttl, scopes)
}

// clientCredentials reads client_secret_basic, falling back to client_secret_post.
func clientCredentials(req *http.Request) (string, string) {
	if id, secret, ok := req.BasicAuth(); ok {
		uid, err1 := url.QueryUnescape(id)
		usecret, err2 := url.QueryUnescape(secret)
		if err1 == nil && err2 == nil {
			return uid, usecret
		}
		return id, secret
	}
	return req.PostForm.Get("client_id"), req.PostForm.Get("client_secret")
}

func (h *Handler) tokenError(w http.ResponseWriter, grantType string, err *errors.Error) {
	h.metrics.TokenError(grantType, err.Type)
	errors.WriteJSON(w, err)
}

// writeUpstreamError passes the provider's rejection through unchanged.
func writeUpstreamError(w http.ResponseWriter, httpErr *networking.HTTPError) {
	contentType := httpErr.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(httpErr.StatusCode)
	_, _ = w.Write(httpErr.Body)
}

func writeToken(w http.ResponseWriter, raw string, ttl time.Duration, scopes []string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
		Scope:       strings.Join(scopes, " "),
	})
}
