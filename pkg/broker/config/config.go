// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the broker configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oborelay/oborelay/pkg/broker/cache"
	"github.com/oborelay/oborelay/pkg/broker/keys"
	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/pkg/broker/servers"
	"github.com/oborelay/oborelay/pkg/broker/storage"
	"github.com/oborelay/oborelay/pkg/broker/upstream"
)

// Defaults.
const (
	DefaultListenAddress        = ":8080"
	DefaultScope                = "openid profile offline_access"
	DefaultExpiryMargin         = 2 * time.Minute
	DefaultClientCredentialsTTL = time.Hour
	DefaultCacheKeyPrefix       = "oborelay:"
	DefaultMetricsPath          = "/metrics"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config is the complete broker configuration.
type Config struct {
	// Issuer is the broker's external base URL. It is the iss of every token
	// and the base of every endpoint URL the broker advertises.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// Audience is the aud of broker tokens. Defaults to Issuer.
	Audience string `mapstructure:"audience" yaml:"audience,omitempty"`

	// AuthorizationServerURL is advertised in protected-resource metadata.
	// Defaults to Issuer.
	AuthorizationServerURL string `mapstructure:"authorization_server_url" yaml:"authorization_server_url,omitempty"`

	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address,omitempty"`

	// DefaultScope is used when /authorize carries no scope.
	DefaultScope string `mapstructure:"default_scope" yaml:"default_scope,omitempty"`

	// ExpiryMargin is subtracted from upstream expiry when minting user
	// tokens and from downstream expiry when caching OBO tokens.
	ExpiryMargin time.Duration `mapstructure:"expiry_margin" yaml:"expiry_margin,omitempty"`

	PendingTTL           time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl,omitempty"`
	CodeTTL              time.Duration `mapstructure:"code_ttl" yaml:"code_ttl,omitempty"`
	ClientCredentialsTTL time.Duration `mapstructure:"client_credentials_ttl" yaml:"client_credentials_ttl,omitempty"`

	// ActMode is embed (default) or session.
	ActMode obo.ActMode `mapstructure:"act_mode" yaml:"act_mode,omitempty"`

	// InsecureAllowHTTP permits plain-HTTP upstream and OBO endpoints. Development only.
	InsecureAllowHTTP bool `mapstructure:"insecure_allow_http" yaml:"insecure_allow_http,omitempty"`

	Signing             keys.Config          `mapstructure:"signing" yaml:"signing,omitempty"`
	Upstream            upstream.Config      `mapstructure:"upstream" yaml:"upstream"`
	ConfidentialClients []ConfidentialClient `mapstructure:"confidential_clients" yaml:"confidential_clients,omitempty"`
	Servers             []servers.Config     `mapstructure:"servers" yaml:"servers,omitempty"`
	OBO                 OBOConfig            `mapstructure:"obo" yaml:"obo,omitempty"`
	Cache               CacheConfig          `mapstructure:"cache" yaml:"cache,omitempty"`
	Metrics             MetricsConfig        `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// ConfidentialClient is a static client for the client_credentials grant.
type ConfidentialClient struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// Scopes the client may request. Defaults to the broker's default scope.
	Scopes []string `mapstructure:"scopes" yaml:"scopes,omitempty"`
}

// OBOConfig configures downstream token exchange.
type OBOConfig struct {
	MaxTries      uint               `mapstructure:"max_tries" yaml:"max_tries,omitempty"`
	Timeout       time.Duration      `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Registrations []obo.Registration `mapstructure:"registrations" yaml:"registrations,omitempty"`
}

// CacheConfig selects the cache backend shared by every cache role.
type CacheConfig struct {
	Backend         string            `mapstructure:"backend" yaml:"backend,omitempty"`
	CleanupInterval time.Duration     `mapstructure:"cleanup_interval" yaml:"cleanup_interval,omitempty"`
	KeyPrefix       string            `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	Redis           cache.RedisConfig `mapstructure:"redis" yaml:"redis,omitempty"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.Audience == "" {
		c.Audience = c.Issuer
	}
	if c.AuthorizationServerURL == "" {
		c.AuthorizationServerURL = c.Issuer
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.DefaultScope == "" {
		c.DefaultScope = DefaultScope
	}
	if c.ExpiryMargin == 0 {
		c.ExpiryMargin = DefaultExpiryMargin
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = storage.DefaultPendingTTL
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = storage.DefaultCodeTTL
	}
	if c.ClientCredentialsTTL == 0 {
		c.ClientCredentialsTTL = DefaultClientCredentialsTTL
	}
	if c.ActMode == "" {
		c.ActMode = obo.ActModeEmbed
	}
	if c.Upstream.RedirectURI == "" && c.Issuer != "" {
		c.Upstream.RedirectURI = c.Issuer + "/callback"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = cache.DefaultCleanupInterval
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks a defaulted configuration. Upstream endpoints are checked
// after discovery, in broker.New.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer must be an absolute http(s) URL, got %q", c.Issuer)
	}
	if u.Scheme == "http" && !c.InsecureAllowHTTP && !isLoopback(u.Hostname()) {
		return errors.New("issuer must use https unless insecure_allow_http is set")
	}
	if c.ExpiryMargin < 0 {
		return errors.New("expiry_margin must not be negative")
	}
	for name, ttl := range map[string]time.Duration{
		"pending_ttl":            c.PendingTTL,
		"code_ttl":               c.CodeTTL,
		"client_credentials_ttl": c.ClientCredentialsTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.ActMode {
	case obo.ActModeEmbed, obo.ActModeSession:
	default:
		return fmt.Errorf("unsupported act_mode %q", c.ActMode)
	}

	if c.Upstream.ClientID == "" {
		return errors.New("upstream.client_id is required")
	}
	if c.Upstream.Issuer == "" && (c.Upstream.AuthorizationEndpoint == "" || c.Upstream.TokenEndpoint == "") {
		return errors.New("upstream.issuer or both upstream endpoints are required")
	}

	seen := make(map[string]bool, len(c.ConfidentialClients))
	for i, cc := range c.ConfidentialClients {
		if cc.ClientID == "" || cc.ClientSecret == "" {
			return fmt.Errorf("confidential_clients[%d]: client_id and client_secret are required", i)
		}
		if seen[cc.ClientID] {
			return fmt.Errorf("duplicate confidential client %s", cc.ClientID)
		}
		seen[cc.ClientID] = true
	}

	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
	}
	hosts := make(map[string]bool, len(c.OBO.Registrations))
	for i := range c.OBO.Registrations {
		reg := &c.OBO.Registrations[i]
		if err := reg.Validate(); err != nil {
			return fmt.Errorf("obo.registrations[%d]: %w", i, err)
		}
		hosts[obo.NormalizeHost(reg.Host)] = true
	}
	for _, s := range c.Servers {
		if s.DownstreamHost != "" && !hosts[obo.NormalizeHost(s.DownstreamHost)] {
			return fmt.Errorf("server %s: no obo registration for downstream_host %s", s.Name, s.DownstreamHost)
		}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if err := c.Cache.Redis.Validate(); err != nil {
			return fmt.Errorf("cache.redis: %w", err)
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	return nil
}

// Scopes splits DefaultScope.
func (c *Config) Scopes() []string {
	return strings.Fields(c.DefaultScope)
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
