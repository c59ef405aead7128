// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the HTTP clients the broker uses to reach the
// upstream identity provider and downstream token endpoints.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// ValidatingTransport is for validating URLs prior to request
type ValidatingTransport struct {
	Transport http.RoundTripper
	AllowHTTP bool
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("request has no URL")
	}
	if req.URL.Scheme != "https" && !(t.AllowHTTP && req.URL.Scheme == "http") {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
	}
	return t.Transport.RoundTrip(req)
}

// userAgentTransport stamps a User-Agent on requests that lack one.
type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.transport.RoundTrip(req)
	}
	newReq := req.Clone(req.Context())
	newReq.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(newReq)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	userAgent             string
	allowHTTP             bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithTimeout overrides the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	if d > 0 {
		b.clientTimeout = d
	}
	return b
}

// WithUserAgent sets the User-Agent for requests that do not carry one.
func (b *HttpClientBuilder) WithUserAgent(ua string) *HttpClientBuilder {
	b.userAgent = ua
	return b
}

// WithInsecureHTTP permits plain-HTTP URLs. Only for local development and tests.
func (b *HttpClientBuilder) WithInsecureHTTP(allow bool) *HttpClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = b.tlsHandshakeTimeout
	transport.ResponseHeaderTimeout = b.responseHeaderTimeout
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	var clientTransport http.RoundTripper = &ValidatingTransport{
		Transport: transport,
		AllowHTTP: b.allowHTTP,
	}

	if b.userAgent != "" {
		clientTransport = &userAgentTransport{transport: clientTransport, userAgent: b.userAgent}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}
