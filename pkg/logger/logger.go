// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logger for the broker.
//
// It is a thin shim over toolhive-core/logging. Components that own a
// lifecycle should take a *slog.Logger via [Get]; short-lived call sites may
// use the package-level helpers.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// singleton is the package-level logger created by Initialize.
var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. Intended for tests that capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Fatalw logs a message at error level with additional key-value pairs and exits the program.
func Fatalw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
	os.Exit(1)
}

// Initialize creates and configures the process logger.
// If the UNSTRUCTURED_LOGS env var is false, JSON output is produced;
// otherwise plain text.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	l := logging.New(opts...)
	singleton.Store(l)
	slog.SetDefault(l)
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable: default to text output
		return true
	}
	return unstructuredLogs
}
