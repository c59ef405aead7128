// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/oborelay/oborelay/pkg/broker/metrics"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/errors"
)

// CallbackHandler handles GET /callback requests from the upstream provider.
// The upstream code is handed back to the client unchanged together with the
// client's state.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		slog.Warn("upstream authorization failed", //nolint:gosec // G706: values come from the provider redirect
			"error", upstreamErr,
			"error_description", q.Get("error_description"),
		)
		h.metrics.Callback(metrics.OutcomeRejected)
		errors.WriteJSON(w, errors.NewInvalidRequestError("upstream authorization failed: "+upstreamErr, nil))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.metrics.Callback(metrics.OutcomeRejected)
		errors.WriteJSON(w, errors.NewInvalidRequestError("code and state are required", nil))
		return
	}

	rec, err := h.flows.Relay(ctx, state, code)
	if err != nil {
		if stderrors.Is(err, storage.ErrUnknownOrExpired) {
			h.metrics.Callback(metrics.OutcomeRejected)
			errors.WriteJSON(w, errors.NewInvalidRequestError("unknown or expired state", err))
			return
		}
		slog.Error("failed to relay authorization code",
			"error", err,
		)
		h.metrics.Callback(metrics.OutcomeFailed)
		errors.WriteJSON(w, errors.NewInternalError("failed to relay authorization code", err))
		return
	}

	target, err := clientRedirect(rec.RedirectURI, code, rec.ClientState)
	if err != nil {
		h.metrics.Callback(metrics.OutcomeFailed)
		errors.WriteJSON(w, errors.NewInternalError("stored redirect_uri is invalid", err))
		return
	}

	h.metrics.Callback(metrics.OutcomeRelayed)
	http.Redirect(w, req, target, http.StatusFound)
}

// clientRedirect adds code and state to redirectURI, keeping any query the
// client registered.
func clientRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
