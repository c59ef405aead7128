// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oborelay/oborelay/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides and check them for
errors without starting the broker. Upstream discovery is not performed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Issuer: %s", cfg.Issuer)
			logger.Infof("  Act mode: %s", cfg.ActMode)
			logger.Infof("  Cache backend: %s", cfg.Cache.Backend)
			logger.Infof("  Servers: %d", len(cfg.Servers))
			logger.Infof("  OBO registrations: %d", len(cfg.OBO.Registrations))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
