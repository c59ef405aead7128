// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/errors"
)

// Guard returns middleware that admits only requests carrying a valid broker
// token. Every failure gets the same 401 and challenge, whatever the cause.
// No path below a server is exempt; discovery documents live under the
// broker's own root /.well-known/ routes.
func (h *Handler) Guard(s *servers.Server) func(http.Handler) http.Handler {
	challenge := h.buildWWWAuthenticate(s)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := h.authenticate(r)
			if err != nil {
				slog.Debug("rejected request at resource guard", //nolint:gosec // G706: server name comes from config
					"server", s.Name,
					"error", err,
				)
				h.metrics.GuardRejected(s.Name)
				w.Header().Set("WWW-Authenticate", challenge)
				errors.WriteJSON(w, errors.NewUnauthorizedError("authentication required", nil))
				return
			}

			next.ServeHTTP(w, r.WithContext(token.WithPrincipal(r.Context(), p)))
		})
	}
}

func (h *Handler) authenticate(r *http.Request) (*token.Principal, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, token.ErrRejected
	}
	return h.validator.Validate(r.Context(), raw)
}

// bearerToken extracts an RFC 6750 §2.1 bearer credential. The scheme is
// matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// buildWWWAuthenticate builds the RFC 6750 / RFC 9728 challenge for s.
func (h *Handler) buildWWWAuthenticate(s *servers.Server) string {
	parts := []string{
		fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(h.config.Issuer+s.MetadataPath())),
		fmt.Sprintf(`authorization_uri="%s"`, escapeQuotes(h.config.Issuer+"/authorize")),
		fmt.Sprintf(`resource="%s"`, escapeQuotes(s.Resource)),
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
