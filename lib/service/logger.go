// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package service holds the small pieces shared by CXDB binaries:
// logger construction and the log-level environment surface.
package service

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates the standard CXDB service logger: a text handler
// writing to stderr, level taken from CXDB_LOG_LEVEL (debug, info,
// warn, error; default info). It also sets the default slog logger so
// third-party code using slog.Info etc. gets the same handler.
func NewLogger() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("CXDB_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
