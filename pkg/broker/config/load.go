// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oborelay/oborelay/pkg/broker/obo"
)

// EnvPrefix prefixes environment overrides: upstream.client_secret is read
// from OBORELAY_UPSTREAM_CLIENT_SECRET.
const EnvPrefix = "OBORELAY"

// envKeys are bound explicitly so they can be set from the environment even
// when absent from the file.
var envKeys = []string{
	"issuer",
	"audience",
	"authorization_server_url",
	"listen_address",
	"default_scope",
	"act_mode",
	"insecure_allow_http",
	"signing.signing_key_file",
	"upstream.issuer",
	"upstream.client_id",
	"upstream.client_secret",
	"upstream.redirect_uri",
	"cache.backend",
	"cache.redis.addr",
	"cache.redis.password",
	"metrics.enabled",
}

// Load reads the YAML file at path (optional when every required key comes
// from the environment), applies defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated reads and defaults the configuration without validating it.
func LoadUnvalidated(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

const redacted = "REDACTED"

// Redacted returns the configuration as YAML with every secret replaced.
func (c *Config) Redacted() ([]byte, error) {
	cp := *c
	if cp.Upstream.ClientSecret != "" {
		cp.Upstream.ClientSecret = redacted
	}
	if cp.Cache.Redis.Password != "" {
		cp.Cache.Redis.Password = redacted
	}
	cp.ConfidentialClients = make([]ConfidentialClient, len(c.ConfidentialClients))
	for i, cc := range c.ConfidentialClients {
		cc.ClientSecret = redacted
		cp.ConfidentialClients[i] = cc
	}
	cp.OBO.Registrations = make([]obo.Registration, len(c.OBO.Registrations))
	for i, reg := range c.OBO.Registrations {
		if reg.ClientSecret != "" {
			reg.ClientSecret = redacted
		}
		cp.OBO.Registrations[i] = reg
	}

	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return out, nil
}
