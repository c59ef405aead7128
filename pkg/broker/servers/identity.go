// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package servers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/errors"
	"github.com/oborelay/oborelay/pkg/versions"
)

// IdentityEndpointPath is where the identity MCP server listens below its
// server path.
const IdentityEndpointPath = "/mcp"

type identityHandler struct {
	exchanger TokenExchanger
}

// WhoAmI is the whoami tool result.
type WhoAmI struct {
	Subject     string    `json:"subject"`
	ObjectID    string    `json:"oid,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	Scopes      []string  `json:"scopes"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserContext bool      `json:"user_context"`
}

// DownstreamStatus is the downstream_status tool result. It never contains
// the token itself.
type DownstreamStatus struct {
	Host      string    `json:"host"`
	TokenType string    `json:"token_type"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewIdentityServer builds the builtin identity MCP server. Tool handlers read
// the principal the resource guard attached to the HTTP request.
func NewIdentityServer(exchanger TokenExchanger) http.Handler {
	mcpServer := server.NewMCPServer(
		"oborelay-identity",
		versions.GetVersionInfo().Version,
		server.WithToolCapabilities(false),
	)

	h := &identityHandler{exchanger: exchanger}

	mcpServer.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Describe the identity behind the current access token"),
	), h.whoami)

	mcpServer.AddTool(mcp.NewTool("downstream_status",
		mcp.WithDescription("Obtain an on-behalf-of token for a downstream API host and report its expiry"),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("Downstream API host, e.g. graph.microsoft.com"),
		),
	), h.downstreamStatus)

	return server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath(IdentityEndpointPath),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p, ok := token.PrincipalFromContext(r.Context()); ok {
				return token.WithPrincipal(ctx, p)
			}
			return ctx
		}),
	)
}

func (*identityHandler) whoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok := token.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated principal"), nil
	}
	return mcp.NewToolResultStructuredOnly(WhoAmI{
		Subject:     p.Subject,
		ObjectID:    p.ObjectID,
		ClientID:    p.ClientID,
		Scopes:      p.Scopes,
		ExpiresAt:   p.ExpiresAt,
		UserContext: p.HasUserContext(),
	}), nil
}

func (h *identityHandler) downstreamStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := req.RequireString("host")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, ok := token.PrincipalFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated principal"), nil
	}
	if h.exchanger == nil {
		return mcp.NewToolResultError("on-behalf-of exchange is not configured"), nil
	}

	tok, err := h.exchanger.Exchange(ctx, p, host)
	if err != nil {
		// scoped to this tool call; report the typed message only
		msg := err.Error()
		if e, ok := errors.As(err); ok {
			msg = fmt.Sprintf("%s: %s", e.Type, e.Message)
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultStructuredOnly(DownstreamStatus{
		Host:      host,
		TokenType: tok.TokenType,
		Scope:     tok.Scope,
		ExpiresAt: tok.ExpiresAt,
	}), nil
}
