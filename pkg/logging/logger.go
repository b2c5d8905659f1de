// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for permsearch components.
//
// The logger is built on the standard library slog package. Output goes to
// stderr: JSON for services and pipelines, human-readable text when stderr
// is an interactive terminal. Every record carries a "service" attribute so
// aggregated logs stay attributable.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: "info", Service: "coordinator"})
//	slog.SetDefault(logger)
//	slog.Info("client connected", "session", sessionID)
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values fall back
	// to info.
	Level string

	// Service tags every record.
	Service string

	// ForceJSON selects the JSON handler even on a terminal.
	ForceJSON bool

	// Output overrides the destination; nil means stderr.
	Output io.Writer
}

// New builds a logger from cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	onTTY := false
	if out == nil {
		out = os.Stderr
		onTTY = isatty.IsTerminal(os.Stderr.Fd())
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if onTTY && !cfg.ForceJSON {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// Default returns an info-level JSON logger for stderr.
func Default() *slog.Logger {
	return New(Config{Level: "info"})
}

// ParseLevel maps a level name onto slog's levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
