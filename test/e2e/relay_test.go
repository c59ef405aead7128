// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oauth2-proxy/mockoidc"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oborelay/oborelay/pkg/broker/obo"
	"github.com/oborelay/oborelay/test/e2e"
)

func callTool(ctx context.Context, endpoint, accessToken, name string, args map[string]any) *mcp.CallToolResult {
	c, err := client.NewStreamableHttpClient(endpoint,
		transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + accessToken}),
	)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	DeferCleanup(func() { _ = c.Close() })
	ExpectWithOffset(1, c.Start(ctx)).To(Succeed())

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "oborelay-e2e", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initReq)
	ExpectWithOffset(1, err).ToNot(HaveOccurred(), "MCP initialize should pass the guard")

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	return res
}

func structured(res *mcp.CallToolResult) map[string]any {
	raw, err := json.Marshal(res.StructuredContent)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	var out map[string]any
	ExpectWithOffset(1, json.Unmarshal(raw, &out)).To(Succeed())
	return out
}

func getWithToken(ctx context.Context, target, accessToken string) *http.Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := http.DefaultClient.Do(req)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	return resp
}

var _ = Describe("OAuth relay", Label("relay", "e2e"), func() {
	var (
		env *e2e.RelayEnv
		ctx context.Context
	)

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		DeferCleanup(cancel)

		var err error
		env, err = e2e.StartRelayEnv(ctx, obo.ActModeEmbed)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(env.Close)
	})

	Describe("authorization code flow", func() {
		It("should issue a broker token after relaying the upstream login", func() {
			By("Driving authorize, the upstream login and the callback")
			tok, err := env.Login(ctx, "e2e-state-1")
			Expect(err).ToNot(HaveOccurred())

			By("Verifying the token response")
			Expect(tok["token_type"]).To(Equal("Bearer"))
			Expect(tok["access_token"]).ToNot(BeEmpty())
			Expect(tok["expires_in"]).To(BeNumerically(">", 0))
			Expect(tok["scope"]).To(Equal("openid profile"))
		})

		It("should identify the upstream user through the identity server", func() {
			tok, err := env.Login(ctx, "e2e-state-2")
			Expect(err).ToNot(HaveOccurred())

			res := callTool(ctx, env.BrokerURL+"/identity/mcp", tok["access_token"].(string), "whoami", nil)
			Expect(res.IsError).To(BeFalse())

			who := structured(res)
			Expect(who["subject"]).To(Equal(mockoidc.DefaultUser().Subject))
			Expect(who["user_context"]).To(BeTrue())
		})
	})

	Describe("on-behalf-of exchange", func() {
		It("should forward a downstream token to the backend and cache it", func() {
			tok, err := env.Login(ctx, "e2e-state-3")
			Expect(err).ToNot(HaveOccurred())
			accessToken := tok["access_token"].(string)

			By("Calling the proxied server twice")
			for range 2 {
				resp := getWithToken(ctx, env.BrokerURL+"/graph/v1.0/me", accessToken)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}

			By("Verifying the backend saw the downstream token and only one exchange happened")
			Expect(env.BackendAuth.Load()).To(Equal("Bearer " + e2e.DownstreamToken))
			Expect(env.Exchanges.Load()).To(BeEquivalentTo(1))

			By("Reporting the cached token through the identity server")
			res := callTool(ctx, env.BrokerURL+"/identity/mcp", accessToken, "downstream_status",
				map[string]any{"host": e2e.DownstreamHost})
			Expect(res.IsError).To(BeFalse())
			Expect(structured(res)["token_type"]).To(Equal("Bearer"))
			Expect(env.Exchanges.Load()).To(BeEquivalentTo(1))
		})
	})

	Describe("resource guard", func() {
		It("should challenge unauthenticated requests with discoverable metadata", func() {
			resp := getWithToken(ctx, env.BrokerURL+"/graph/v1.0/me", "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			challenge := resp.Header.Get("WWW-Authenticate")
			metadataURL := env.BrokerURL + "/.well-known/oauth-protected-resource/graph"
			Expect(challenge).To(HavePrefix("Bearer "))
			Expect(challenge).To(ContainSubstring(`resource_metadata="` + metadataURL + `"`))

			By("Following the challenge to the protected resource metadata")
			meta := getWithToken(ctx, metadataURL, "")
			Expect(meta.StatusCode).To(Equal(http.StatusOK))
			var doc map[string]any
			Expect(json.NewDecoder(meta.Body).Decode(&doc)).To(Succeed())
			Expect(doc["authorization_servers"]).To(ConsistOf(env.BrokerURL))
		})

		It("should reject tokens it did not mint", func() {
			resp := getWithToken(ctx, env.BrokerURL+"/graph/v1.0/me", "not-a-broker-token")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(env.Exchanges.Load()).To(BeZero())
		})
	})

	Describe("client credentials", func() {
		It("should issue a token without user context", func() {
			tok, err := env.Token(ctx, url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {e2e.ServiceClientID},
				"client_secret": {e2e.ServiceSecret},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(tok["scope"]).To(Equal("tools.read"))
			accessToken := tok["access_token"].(string)

			who := structured(callTool(ctx, env.BrokerURL+"/identity/mcp", accessToken, "whoami", nil))
			Expect(who["subject"]).To(Equal(e2e.ServiceClientID))
			Expect(who["user_context"]).To(BeFalse())

			By("Refusing on-behalf-of exchange for the service token")
			resp := getWithToken(ctx, env.BrokerURL+"/graph/v1.0/me", accessToken)
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(env.Exchanges.Load()).To(BeZero())
		})

		It("should reject a wrong secret", func() {
			body, err := env.Token(ctx, url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {e2e.ServiceClientID},
				"client_secret": {"wrong"},
			})
			Expect(err).To(HaveOccurred())
			Expect(body["error"]).To(Equal("invalid_client"))
		})
	})
})

var _ = Describe("OAuth relay in session act mode", Label("relay", "e2e"), func() {
	It("should exchange using the stored upstream token", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		DeferCleanup(cancel)

		env, err := e2e.StartRelayEnv(ctx, obo.ActModeSession)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(env.Close)

		tok, err := env.Login(ctx, "e2e-session")
		Expect(err).ToNot(HaveOccurred())
		accessToken := tok["access_token"].(string)
		Expect(strings.Count(accessToken, ".")).To(Equal(2))

		resp := getWithToken(ctx, env.BrokerURL+"/graph/v1.0/me", accessToken)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(env.BackendAuth.Load()).To(Equal("Bearer " + e2e.DownstreamToken))
	})
})
