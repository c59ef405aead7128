// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oborelay/oborelay/pkg/broker/token"
	"github.com/oborelay/oborelay/pkg/networking"
	"github.com/oborelay/oborelay/pkg/versions"
)

type verifyOptions struct {
	jwksURL  string
	issuer   string
	audience string
}

func newVerifyCmd() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a broker token against a running broker's JWKS",
		Long: `Verify a broker access token the way a guarded server would and print its
principal with the actor credential redacted.

Issuer and audience default to the configuration file; the JWKS URL defaults
to <issuer>/.well-known/jwks.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, &opts, strings.TrimSpace(args[0]))
		},
	}

	cmd.Flags().StringVar(&opts.jwksURL, "jwks-url", "", "JWKS URL of the broker")
	cmd.Flags().StringVar(&opts.issuer, "issuer", "", "Expected issuer")
	cmd.Flags().StringVar(&opts.audience, "audience", "", "Expected audience")
	return cmd
}

func runVerify(cmd *cobra.Command, opts *verifyOptions, raw string) error {
	ctx := cmd.Context()

	if opts.issuer == "" || opts.audience == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("issuer and audience are required without a configuration file: %w", err)
		}
		if opts.issuer == "" {
			opts.issuer = cfg.Issuer
		}
		if opts.audience == "" {
			opts.audience = cfg.Audience
		}
	}
	if opts.jwksURL == "" {
		opts.jwksURL = strings.TrimSuffix(opts.issuer, "/") + "/.well-known/jwks.json"
	}

	client, err := networking.NewHttpClientBuilder().
		WithUserAgent(versions.UserAgent()).
		WithInsecureHTTP(strings.HasPrefix(opts.jwksURL, "http://")).
		Build()
	if err != nil {
		return err
	}
	src, err := token.NewRemoteKeySource(ctx, opts.jwksURL, client)
	if err != nil {
		return err
	}

	p, err := token.NewValidator(src, opts.issuer, opts.audience).Validate(ctx, raw)
	if err != nil {
		// The reason is logged at debug level; run with --debug to see it.
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
