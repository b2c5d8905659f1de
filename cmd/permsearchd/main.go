// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command permsearchd starts the program-search coordination server.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector endpoint.
//     Tracing is disabled when unset.
//
// # Usage
//
//	# Build
//	go build -o permsearchd ./cmd/permsearchd
//
//	# Run with defaults
//	./permsearchd
//
//	# Run with a config file (hot-reloaded on change)
//	./permsearchd --config permsearch.yaml
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/permsearch/pkg/logging"
	"github.com/AleutianAI/permsearch/services/coordinator/archive"
	"github.com/AleutianAI/permsearch/services/coordinator/config"
	"github.com/AleutianAI/permsearch/services/coordinator/registry"
	"github.com/AleutianAI/permsearch/services/coordinator/server"
	"github.com/AleutianAI/permsearch/services/coordinator/session"
)

var (
	flagConfig string
	flagListen string
)

var rootCmd = &cobra.Command{
	Use:   "permsearchd",
	Short: "Distributed program-search coordination server",
	Long: "permsearchd admits client batches of permuters (source variant + target\n" +
		"artifact pairs), schedules their candidate variations across workers under\n" +
		"a weighted fairness policy, and streams results back to owning clients.",
	RunE: run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML config (optional)")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "listen address override")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Service: "permsearchd"})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cleanup, err := initTracer(ctx)
		if err != nil {
			return err
		}
		defer cleanup(context.Background())
	}

	arc, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return err
	}
	defer arc.Close()

	store := config.NewStore(cfg)
	state := &session.State{
		Registry: registry.New(),
		Config:   store,
		Archive:  arc,
	}
	srv := server.New(state, store)

	g, gctx := errgroup.WithContext(ctx)
	if flagConfig != "" {
		g.Go(func() error {
			return store.Watch(gctx, flagConfig)
		})
	}
	g.Go(func() error {
		return srv.Run(gctx, cfg.Listen)
	})

	slog.Info("permsearchd started",
		"listen", cfg.Listen,
		"min_priority", cfg.MinPriority,
		"archive", cfg.ArchivePath != "")

	return g.Wait()
}
