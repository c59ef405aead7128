// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package servers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"

	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/errors"
	"github.com/oborelay/oborelay/pkg/logger"
)

// ForwardedUserHeader carries the broker subject to backends that do not
// receive a downstream token.
const ForwardedUserHeader = "X-Forwarded-User"

// TokenExchanger provides on-behalf-of tokens.
type TokenExchanger interface {
	Exchange(ctx context.Context, p *token.Principal, host string) (*obo.DownstreamToken, error)
	Hosts() []string
}

type downstreamTokenKey struct{}

// NewProxy returns a reverse proxy to s.BackendURL. The broker token never
// reaches the backend: it is replaced by an on-behalf-of token when
// s.DownstreamHost is set and removed otherwise.
func NewProxy(s *Server, exchanger TokenExchanger, transport http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(s.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend_url for server %s: %w", s.Name, err)
	}
	if s.DownstreamHost != "" && (exchanger == nil || !slices.Contains(exchanger.Hosts(), obo.NormalizeHost(s.DownstreamHost))) {
		return nil, fmt.Errorf("server %s needs on-behalf-of exchange for %s but none is configured", s.Name, s.DownstreamHost)
	}

	rp := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, s.Path)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(ForwardedUserHeader)
			if tok, ok := pr.In.Context().Value(downstreamTokenKey{}).(*obo.DownstreamToken); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+tok.AccessToken)
				return
			}
			if p, ok := token.PrincipalFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(ForwardedUserHeader, p.Subject)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warnw("backend request failed",
				"server", s.Name,
				"path", r.URL.Path,
				"error", err,
			)
			errors.WriteJSON(w, errors.NewBackendUnavailableError("backend server is unavailable", err))
		},
	}

	if s.DownstreamHost == "" {
		return rp, nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := token.PrincipalFromContext(r.Context())
		tok, err := exchanger.Exchange(r.Context(), p, s.DownstreamHost)
		if err != nil {
			// the broker session stays valid; only this request fails
			errors.WriteJSON(w, err)
			return
		}
		rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), downstreamTokenKey{}, tok)))
	}), nil
}
