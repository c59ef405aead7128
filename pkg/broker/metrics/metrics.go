// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the broker's Prometheus counters on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oborelay"

// Authorize outcomes.
const (
	OutcomeRedirected = "redirected"
	OutcomeRejected   = "rejected"
	OutcomeRelayed    = "relayed"
	OutcomeFailed     = "failed"
)

// Metrics is the set of broker counters.
type Metrics struct {
	registry *prometheus.Registry

	authorizeRequests *prometheus.CounterVec
	callbackRequests  *prometheus.CounterVec
	tokensIssued      *prometheus.CounterVec
	tokenErrors       *prometheus.CounterVec
	guardRejections   *prometheus.CounterVec
	oboExchanges      *prometheus.CounterVec
}

// New creates the counters and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_requests_total",
			Help:      "Authorization requests by outcome.",
		}, []string{"outcome"}),
		callbackRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_requests_total",
			Help:      "Upstream callbacks by outcome.",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Broker tokens issued by grant type.",
		}, []string{"grant_type"}),
		tokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Token endpoint failures by grant type and OAuth error code.",
		}, []string{"grant_type", "error"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Requests to protected servers rejected with 401.",
		}, []string{"server"}),
		oboExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obo_exchanges_total",
			Help:      "On-behalf-of token requests by host and result (hit, miss, error).",
		}, []string{"host", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authorizeRequests,
		m.callbackRequests,
		m.tokensIssued,
		m.tokenErrors,
		m.guardRejections,
		m.oboExchanges,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Authorize counts an /authorize request.
func (m *Metrics) Authorize(outcome string) {
	if m == nil {
		return
	}
	m.authorizeRequests.WithLabelValues(outcome).Inc()
}

// Callback counts a /callback request.
func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbackRequests.WithLabelValues(outcome).Inc()
}

// TokenIssued counts a successful /token response.
func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// TokenError counts a failed /token response.
func (m *Metrics) TokenError(grantType, code string) {
	if m == nil {
		return
	}
	m.tokenErrors.WithLabelValues(grantType, code).Inc()
}

// GuardRejected counts a 401 from the resource guard.
func (m *Metrics) GuardRejected(server string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(server).Inc()
}

// OBOExchange counts an on-behalf-of token request. Its signature matches
// obo.WithObserver.
func (m *Metrics) OBOExchange(host, result string) {
	if m == nil {
		return
	}
	m.oboExchanges.WithLabelValues(host, result).Inc()
}
