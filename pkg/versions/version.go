// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions reports build information injected at link time.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Set via -ldflags "-X github.com/oborelay/oborelay/pkg/versions.Version=..."
var (
	Version   = "dev"
	Commit    = unknownStr
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information for the current build.
func GetVersionInfo() VersionInfo {
	ver := Version
	if ver == "dev" {
		short := Commit
		if len(short) > 8 {
			short = short[:8]
		}
		ver = "build-" + short
	}

	buildDate := BuildDate
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return VersionInfo{
		Version:   ver,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// UserAgent is sent on outbound requests to upstream and downstream servers.
func UserAgent() string {
	return "oborelay/" + GetVersionInfo().Version
}
