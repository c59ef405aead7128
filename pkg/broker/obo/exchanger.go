// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/oborelay/oborelay/pkg/broker/cache"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/errors"
	"github.com/oborelay/oborelay/pkg/logger"
)

// Exchange outcomes reported to the observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Exchanger hands out downstream tokens for validated principals, caching
// them per (subject, host).
type Exchanger struct {
	regs     map[string]*Registration
	client   Client
	tokens   cache.Cache[DownstreamToken]
	resolver AssertionResolver
	margin   time.Duration
	now      func() time.Time
	observe  func(host, result string)
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithExpiryMargin overrides DefaultExpiryMargin.
func WithExpiryMargin(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d >= 0 {
			e.margin = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		e.now = now
	}
}

// WithObserver registers fn to be called once per Exchange with the host and
// one of ResultHit, ResultMiss or ResultError.
func WithObserver(fn func(host, result string)) ExchangerOption {
	return func(e *Exchanger) {
		e.observe = fn
	}
}

// NewExchanger creates an Exchanger for regs. Hosts must be unique.
func NewExchanger(
	regs []Registration,
	client Client,
	tokens cache.Cache[DownstreamToken],
	resolver AssertionResolver,
	opts ...ExchangerOption,
) (*Exchanger, error) {
	e := &Exchanger{
		regs:     make(map[string]*Registration, len(regs)),
		client:   client,
		tokens:   tokens,
		resolver: resolver,
		margin:   DefaultExpiryMargin,
		now:      time.Now,
		observe:  func(string, string) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = EmbeddedAssertion{}
	}

	for i := range regs {
		reg := regs[i]
		if err := reg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid obo registration: %w", err)
		}
		host := NormalizeHost(reg.Host)
		if _, dup := e.regs[host]; dup {
			return nil, fmt.Errorf("duplicate obo registration for host %s", host)
		}
		reg.Host = host
		e.regs[host] = &reg
	}
	return e, nil
}

// Hosts returns the registered downstream hosts, sorted.
func (e *Exchanger) Hosts() []string {
	hosts := make([]string, 0, len(e.regs))
	for h := range e.regs {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// Exchange returns a token for host on behalf of p. Errors are *errors.Error
// of type no_user_context or downstream_exchange_failed and never affect the
// principal's broker session.
func (e *Exchanger) Exchange(ctx context.Context, p *token.Principal, host string) (*DownstreamToken, error) {
	host = NormalizeHost(host)

	if !p.HasUserContext() {
		e.observe(host, ResultError)
		return nil, errors.NewNoUserContextError(
			fmt.Sprintf("token carries no user context; an interactive sign-in is required to call %s", host), nil)
	}

	reg, ok := e.regs[host]
	if !ok {
		e.observe(host, ResultError)
		return nil, errors.NewDownstreamError(fmt.Sprintf("no on-behalf-of registration for host %s", host), nil)
	}

	key := tokenCacheKey(p.Subject, host)
	tok, hit, err := e.tokens.GetOrCompute(ctx, key, func(ctx context.Context) (DownstreamToken, time.Duration, error) {
		assertion, err := e.resolver.Resolve(ctx, p)
		if err != nil {
			return DownstreamToken{}, 0, err
		}
		dt, err := e.client.Exchange(ctx, reg, assertion)
		if err != nil {
			return DownstreamToken{}, 0, err
		}
		var ttl time.Duration
		if !dt.ExpiresAt.IsZero() {
			ttl = dt.ExpiresAt.Sub(e.now()) - e.margin
		}
		return *dt, ttl, nil
	})
	if err != nil {
		e.observe(host, ResultError)
		logger.Warnw("on-behalf-of exchange failed",
			"host", host,
			"subject", p.Subject,
			"error", err,
		)
		return nil, errors.NewDownstreamError(fmt.Sprintf("on-behalf-of exchange for %s failed", host), err)
	}

	result := ResultMiss
	if hit {
		result = ResultHit
	}
	e.observe(host, result)
	logger.Debugw("downstream token ready",
		"host", host,
		"cached", hit,
		"expires_at", tok.ExpiresAt.Format(time.RFC3339),
	)
	return &tok, nil
}

// tokenCacheKey escapes both parts so no subject and host pair can collide
// with another.
func tokenCacheKey(subject, host string) string {
	return url.QueryEscape(subject) + "|" + url.QueryEscape(host)
}
