// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/rand"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/oborelay/oborelay/pkg/broker/metrics"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
	"github.com/oborelay/oborelay/pkg/errors"
)

// PKCEChallengeMethodS256 is the only code_challenge_method the upstream
// redirect carries.
const PKCEChallengeMethodS256 = "S256"

// AuthorizeHandler handles GET /authorize requests.
// It records the client's flow and redirects the user agent upstream with the
// client's own state and PKCE challenge.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		h.rejectAuthorize(w, errors.NewInvalidRequestError("client_id and redirect_uri are required", nil))
		return
	}
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() || u.Fragment != "" {
		h.rejectAuthorize(w, errors.NewInvalidRequestError("redirect_uri must be an absolute URI without a fragment", err))
		return
	}
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		h.rejectAuthorize(w, errors.NewInvalidRequestError("only response_type=code is supported", nil))
		return
	}

	challenge := q.Get("code_challenge")
	if method := q.Get("code_challenge_method"); challenge != "" && method != "" && method != PKCEChallengeMethodS256 {
		h.rejectAuthorize(w, errors.NewInvalidRequestError("only the S256 code_challenge_method is supported", nil))
		return
	}

	state := q.Get("state")
	if state == "" {
		state = rand.Text()
	}
	scope := q.Get("scope")
	if scope == "" {
		scope = h.config.DefaultScope
	}

	rec := storage.FlowRecord{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		Scope:         scope,
		CreatedAt:     h.now(),
	}
	if err := h.flows.Begin(ctx, state, rec); err != nil {
		slog.Error("failed to store pending authorization",
			"error", err,
		)
		h.metrics.Authorize(metrics.OutcomeFailed)
		errors.WriteJSON(w, errors.NewInternalError("failed to store authorization request", err))
		return
	}

	slog.Debug("relaying authorization request upstream", //nolint:gosec // G706: client id is not a secret
		"client_id", clientID,
		"has_code_challenge", challenge != "",
	)

	upstreamURL := h.upstream.AuthorizationURL(upstream.AuthorizationRequest{
		State:         state,
		CodeChallenge: challenge,
		Scope:         scope,
	})
	h.metrics.Authorize(metrics.OutcomeRedirected)
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

func (h *Handler) rejectAuthorize(w http.ResponseWriter, err error) {
	h.metrics.Authorize(metrics.OutcomeRejected)
	errors.WriteJSON(w, err)
}
