// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oborelay/oborelay/pkg/versions"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of oborelay",
		Long:  `Display detailed version information about oborelay, including version number, git commit, build date, and Go version.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printVersionInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

// printVersionInfo prints the version information
func printVersionInfo(w io.Writer, info versions.VersionInfo) {
	_, _ = fmt.Fprintf(w, "oborelay %s\n", info.Version)
	_, _ = fmt.Fprintf(w, "Commit: %s\n", info.Commit)
	_, _ = fmt.Fprintf(w, "Built: %s\n", info.BuildDate)
	_, _ = fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
	_, _ = fmt.Fprintf(w, "Platform: %s\n", info.Platform)
}
