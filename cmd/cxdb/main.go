// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Command cxdb runs the CXDB server: the binary turn protocol on one
// port and the HTTP read gateway on another, over a single data
// directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cxdb-foundation/cxdb/gateway"
	"github.com/cxdb-foundation/cxdb/lib/config"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/eventbus"
	"github.com/cxdb-foundation/cxdb/lib/metrics"
	"github.com/cxdb-foundation/cxdb/lib/registry"
	"github.com/cxdb-foundation/cxdb/lib/service"
	"github.com/cxdb-foundation/cxdb/server"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		dataDir     string
		bind        string
		httpBind    string
		seedDir     string
		strictTypes bool
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to cxdb.yaml (default: $CXDB_CONFIG)")
	pflag.StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	pflag.StringVar(&bind, "bind", "", "binary protocol listen address (overrides config)")
	pflag.StringVar(&httpBind, "http-bind", "", "HTTP gateway listen address (overrides config)")
	pflag.StringVar(&seedDir, "registry-seed", "", "directory of bundle files ingested at startup (overrides config)")
	pflag.BoolVar(&strictTypes, "strict-types", false, "reject appends with unknown declared types")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("cxdb %s\n", version)
		return nil
	}

	logger := service.NewLogger()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if bind != "" {
		cfg.Bind = bind
	}
	if httpBind != "" {
		cfg.HTTPBind = httpBind
	}
	if seedDir != "" {
		cfg.RegistrySeedDir = seedDir
	}
	if strictTypes {
		cfg.StrictTypes = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cxstore.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry", "registry.db"))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	if cfg.RegistrySeedDir != "" {
		if err := seedRegistry(reg, cfg.RegistrySeedDir, logger); err != nil {
			return err
		}
	}

	sessions := cxstore.NewSessionTracker()
	counters := metrics.New()
	bus := eventbus.New()

	binaryServer := server.New(store, reg, sessions, counters, bus, server.Options{
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		MaxInflightPerConn: cfg.MaxInflightPerConn,
		StrictTypes:        cfg.StrictTypes,
	}, logger)

	listener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Bind, err)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPBind,
		Handler:      gateway.New(store, reg, sessions, counters, bus, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // SSE connections stay open.
	}

	binaryDone := make(chan error, 1)
	go func() { binaryDone <- binaryServer.Serve(ctx, listener) }()

	httpDone := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		httpDone <- err
	}()

	logger.Info("cxdb running",
		"version", version,
		"data_dir", cfg.DataDir,
		"bind", listener.Addr().String(),
		"http_bind", cfg.HTTPBind,
		"strict_types", cfg.StrictTypes,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	return errors.Join(<-binaryDone, <-httpDone)
}

// seedRegistry ingests every bundle file in dir. Conflicts are logged
// and skipped so one bad seed file does not block startup.
func seedRegistry(reg *registry.Registry, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading registry seed directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && ext != ".jsonc" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading seed bundle %s: %w", path, err)
		}
		bundle, err := registry.ParseBundle(raw)
		if err != nil {
			logger.Warn("skipping unparseable seed bundle", "path", path, "error", err)
			continue
		}
		outcome, err := reg.PutBundle(bundle.BundleID, raw)
		if err != nil {
			logger.Warn("skipping conflicting seed bundle", "path", path, "error", err)
			continue
		}
		logger.Info("seed bundle ingested",
			"bundle_id", bundle.BundleID,
			"unchanged", outcome == registry.Unchanged,
		)
	}
	return nil
}
