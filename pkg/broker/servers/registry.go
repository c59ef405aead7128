// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package servers holds the downstream servers the broker protects and the
// handlers that serve them once a request has passed the resource guard.
package servers

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
)

// BuiltinIdentity is the in-process MCP server exposing the caller's identity.
const BuiltinIdentity = "identity"

// MetadataPrefix is the RFC 9728 well-known path that server paths are appended to.
const MetadataPrefix = "/.well-known/oauth-protected-resource"

// Config describes one protected server.
type Config struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Path is the route prefix the server is mounted under, e.g. /github.
	Path string `mapstructure:"path" yaml:"path"`

	// Resource is the audience advertised in the protected-resource
	// metadata. Defaults to the broker audience.
	Resource string `mapstructure:"resource" yaml:"resource,omitempty"`

	// Scopes advertised as scopes_supported. Defaults to the broker's default scope.
	Scopes []string `mapstructure:"scopes" yaml:"scopes,omitempty"`

	// BackendURL is the upstream MCP server requests are proxied to.
	BackendURL string `mapstructure:"backend_url" yaml:"backend_url,omitempty"`

	// DownstreamHost, when set, makes the proxy replace the broker token
	// with an on-behalf-of token for this host.
	DownstreamHost string `mapstructure:"downstream_host" yaml:"downstream_host,omitempty"`

	// Builtin selects an in-process server instead of BackendURL.
	Builtin string `mapstructure:"builtin" yaml:"builtin,omitempty"`
}

// Validate checks a single server entry.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("server name is required")
	}
	p := cleanPath(c.Path)
	if p == "/" {
		return fmt.Errorf("server %s: path is required and must not be /", c.Name)
	}
	if strings.HasPrefix(p, "/.well-known") {
		return fmt.Errorf("server %s: path must not be under /.well-known", c.Name)
	}
	for _, reserved := range []string{"/authorize", "/callback", "/token", "/healthz", "/metrics"} {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("server %s: path %s collides with a broker endpoint", c.Name, p)
		}
	}

	switch {
	case c.Builtin == "" && c.BackendURL == "":
		return fmt.Errorf("server %s: backend_url or builtin is required", c.Name)
	case c.Builtin != "" && c.BackendURL != "":
		return fmt.Errorf("server %s: backend_url and builtin are mutually exclusive", c.Name)
	case c.Builtin != "" && c.Builtin != BuiltinIdentity:
		return fmt.Errorf("server %s: unknown builtin %q", c.Name, c.Builtin)
	}
	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server %s: backend_url must be an absolute URL", c.Name)
		}
	}
	return nil
}

// Server is a registered, normalized server.
type Server struct {
	Name           string
	Path           string
	Resource       string
	Scopes         []string
	BackendURL     string
	DownstreamHost string
	Builtin        string
}

// MetadataPath is where the server's protected-resource metadata is served.
func (s *Server) MetadataPath() string {
	return MetadataPrefix + s.Path
}

// Registry is the immutable set of protected servers.
type Registry struct {
	servers []*Server
	byName  map[string]*Server
}

// NewRegistry validates cfgs and fills defaults. Names and paths must be unique.
func NewRegistry(cfgs []Config, defaultResource string, defaultScopes []string) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Server, len(cfgs))}
	paths := make(map[string]string, len(cfgs))

	for i := range cfgs {
		c := cfgs[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %s", c.Name)
		}
		p := cleanPath(c.Path)
		if other, dup := paths[p]; dup {
			return nil, fmt.Errorf("servers %s and %s share path %s", other, c.Name, p)
		}
		paths[p] = c.Name

		s := &Server{
			Name:           c.Name,
			Path:           p,
			Resource:       c.Resource,
			Scopes:         slices.Clone(c.Scopes),
			BackendURL:     c.BackendURL,
			DownstreamHost: c.DownstreamHost,
			Builtin:        c.Builtin,
		}
		if s.Resource == "" {
			s.Resource = defaultResource
		}
		if len(s.Scopes) == 0 {
			s.Scopes = slices.Clone(defaultScopes)
		}
		r.servers = append(r.servers, s)
		r.byName[s.Name] = s
	}
	return r, nil
}

// All returns the servers in configuration order.
func (r *Registry) All() []*Server {
	return slices.Clone(r.servers)
}

// Lookup returns the server named name.
func (r *Registry) Lookup(name string) (*Server, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Match returns the server with the longest path prefix of p.
func (r *Registry) Match(p string) (*Server, bool) {
	var best *Server
	for _, s := range r.servers {
		if p != s.Path && !strings.HasPrefix(p, s.Path+"/") {
			continue
		}
		if best == nil || len(s.Path) > len(best.Path) {
			best = s
		}
	}
	return best, best != nil
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}
