// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the oborelay broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/oborelay/oborelay/cmd/oborelay/app"
	"github.com/oborelay/oborelay/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		cancel()
		os.Exit(1)
	}
}
