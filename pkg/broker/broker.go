// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker wires the OAuth relay, the token service, the resource guard
// and the on-behalf-of exchanger into one HTTP handler.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/oborelay/oborelay/pkg/broker/cache"
	"github.com/oborelay/oborelay/pkg/broker/config"
	"github.com/oborelay/oborelay/pkg/broker/handlers"
	"github.com/oborelay/oborelay/pkg/broker/keys"
	"github.com/oborelay/oborelay/pkg/broker/metrics"
	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
	"github.com/oborelay/oborelay/pkg/logger"
	"github.com/oborelay/oborelay/pkg/networking"
	"github.com/oborelay/oborelay/pkg/versions"
)

// Cache roles. Each becomes its own key space in Redis.
const (
	rolePending    = "pending"
	roleRelayed    = "relayed"
	roleSessions   = "sessions"
	roleDownstream = "downstream"
)

// Broker is a fully wired broker instance.
type Broker struct {
	config    *config.Config
	handler   http.Handler
	exchanger *obo.Exchanger
	metrics   *metrics.Metrics
	closers   []func() error
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	provider         upstream.Provider
	backendTransport http.RoundTripper
}

// WithUpstreamProvider replaces the upstream OAuth2 provider built from config.
func WithUpstreamProvider(p upstream.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackendTransport sets the transport used to reach proxied servers.
func WithBackendTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.backendTransport = rt }
}

// New builds a Broker from a defaulted and validated configuration. A
// signing key that cannot be loaded or used is fatal.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Broker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Broker{config: cfg, metrics: metrics.New()}
	ready := false
	defer func() {
		if !ready {
			_ = b.Close()
		}
	}()

	kp, err := keys.NewProviderFromConfig(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	minter, err := token.NewMinter(ctx, kp)
	if err != nil {
		return nil, err
	}
	validator := token.NewValidator(token.NewLocalKeySource(kp), cfg.Issuer, cfg.Audience)

	pending, relayed, sessionCache, downstream, err := b.buildCaches(ctx)
	if err != nil {
		return nil, err
	}
	flows := storage.NewFlowStore(pending, relayed, storage.FlowTTLs{Pending: cfg.PendingTTL, Code: cfg.CodeTTL})
	sessions := storage.NewSessionStore(sessionCache)

	provider := o.provider
	if provider == nil {
		provider, err = buildUpstream(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	oboHTTP, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.OBO.Timeout).
		WithUserAgent(versions.UserAgent()).
		WithInsecureHTTP(cfg.InsecureAllowHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build on-behalf-of HTTP client: %w", err)
	}
	resolver, err := obo.NewAssertionResolver(cfg.ActMode, sessions)
	if err != nil {
		return nil, err
	}
	b.exchanger, err = obo.NewExchanger(
		cfg.OBO.Registrations,
		obo.NewHTTPClient(obo.WithHTTPClient(oboHTTP), obo.WithMaxTries(cfg.OBO.MaxTries)),
		downstream,
		resolver,
		obo.WithExpiryMargin(cfg.ExpiryMargin),
		obo.WithObserver(b.metrics.OBOExchange),
	)
	if err != nil {
		return nil, err
	}

	registry, err := servers.NewRegistry(cfg.Servers, cfg.Audience, cfg.Scopes())
	if err != nil {
		return nil, err
	}
	backends := make(map[string]http.Handler, len(cfg.Servers))
	for _, s := range registry.All() {
		h, err := servers.NewHandler(s, b.exchanger, o.backendTransport)
		if err != nil {
			return nil, err
		}
		backends[s.Name] = h
	}

	h, err := handlers.NewHandler(handlers.Deps{
		Config:    cfg,
		Flows:     flows,
		Sessions:  sessions,
		Upstream:  provider,
		Minter:    minter,
		Validator: validator,
		Keys:      kp,
		Registry:  registry,
		Backends:  backends,
		Metrics:   b.metrics,
	})
	if err != nil {
		return nil, err
	}
	b.handler = h.Routes()

	logger.Infow("broker initialized",
		"issuer", cfg.Issuer,
		"key_id", minter.KeyID(),
		"act_mode", cfg.ActMode,
		"cache_backend", cfg.Cache.Backend,
		"servers", len(cfg.Servers),
		"obo_hosts", b.exchanger.Hosts(),
	)
	ready = true
	return b, nil
}

func buildUpstream(ctx context.Context, cfg *config.Config) (upstream.Provider, error) {
	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.Upstream.CABundle).
		WithUserAgent(versions.UserAgent()).
		WithInsecureHTTP(cfg.InsecureAllowHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream HTTP client: %w", err)
	}
	if err := upstream.Discover(ctx, &cfg.Upstream, httpClient); err != nil {
		return nil, err
	}
	if err := cfg.Upstream.Validate(); err != nil {
		return nil, err
	}
	p, err := upstream.NewOAuth2Provider(&cfg.Upstream, httpClient)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Broker) buildCaches(ctx context.Context) (
	cache.Cache[storage.FlowRecord],
	cache.Cache[storage.FlowRecord],
	cache.Cache[storage.UpstreamSession],
	cache.Cache[obo.DownstreamToken],
	error,
) {
	cc := b.config.Cache
	switch cc.Backend {
	case config.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, cc.Redis)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		b.closers = append(b.closers, client.Close)
		return redisCache[storage.FlowRecord](client, cc.KeyPrefix, rolePending),
			redisCache[storage.FlowRecord](client, cc.KeyPrefix, roleRelayed),
			redisCache[storage.UpstreamSession](client, cc.KeyPrefix, roleSessions),
			redisCache[obo.DownstreamToken](client, cc.KeyPrefix, roleDownstream),
			nil
	case config.CacheBackendMemory, "":
		pending := memoryCache[storage.FlowRecord](b)
		relayed := memoryCache[storage.FlowRecord](b)
		sessions := memoryCache[storage.UpstreamSession](b)
		downstream := memoryCache[obo.DownstreamToken](b)
		return pending, relayed, sessions, downstream, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported cache backend %q", cc.Backend)
	}
}

func memoryCache[V any](b *Broker) cache.Cache[V] {
	c := cache.NewMemoryCache[V](cache.WithCleanupInterval(b.config.Cache.CleanupInterval))
	b.closers = append(b.closers, c.Close)
	return c
}

func redisCache[V any](client redis.UniversalClient, prefix, role string) cache.Cache[V] {
	return cache.NewRedisCache[V](client, prefix, role)
}

// Handler returns the root HTTP handler.
func (b *Broker) Handler() http.Handler {
	return b.handler
}

// Exchanger returns the on-behalf-of exchanger for in-process tool handlers.
func (b *Broker) Exchanger() *obo.Exchanger {
	return b.exchanger
}

// Metrics returns the broker's counters.
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}

// Close stops cache janitors and closes the Redis connection, if any.
func (b *Broker) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
