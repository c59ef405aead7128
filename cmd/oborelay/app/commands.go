// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oborelay command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oborelay/oborelay/pkg/logger"
)

// NewRootCmd creates a new root command for the oborelay CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oborelay",
		DisableAutoGenTag: true,
		Short:             "OAuth relay and on-behalf-of token broker for MCP servers",
		Long: `oborelay sits between MCP clients and the servers they call.

It relays the client's OAuth login to an upstream identity provider, issues
its own short-lived access tokens, guards every registered server with them
and exchanges the caller's upstream token for downstream API tokens on demand.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the broker configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
