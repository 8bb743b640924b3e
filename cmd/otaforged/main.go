// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// otaforged is the firmware over-the-air update server. It accepts
// streamed multipart firmware uploads, stages the received image, and
// keeps a small device resource registry and an update history
// journal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/otaforge/otaforge/lib/clock"
	"github.com/otaforge/otaforge/lib/config"
	"github.com/otaforge/otaforge/lib/history"
	"github.com/otaforge/otaforge/lib/imagestore"
	"github.com/otaforge/otaforge/lib/resource"
	"github.com/otaforge/otaforge/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddr string

	flagSet := pflag.NewFlagSet("otaforged", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to otaforge.yaml (default: $OTAFORGE_CONFIG, else built-in defaults)")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address override (default from config)")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("otaforged")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger := newLogger()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	compression, err := imagestore.ParseCompression(cfg.Staging.Compression)
	if err != nil {
		return err
	}
	store, err := imagestore.NewStore(cfg.Staging.Dir, compression)
	if err != nil {
		return err
	}

	clk := clock.Real()
	journal, err := history.NewJournal(cfg.History.Dir, clk)
	if err != nil {
		return err
	}

	server, err := NewServer(ServerConfig{
		Upload:   cfg.Upload,
		Store:    store,
		Journal:  journal,
		Registry: resource.NewRegistry(cfg.Resources.Max),
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		if cfg.Server.TLSCert != "" {
			serveDone <- httpServer.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			serveDone <- httpServer.ListenAndServe()
		}
	}()

	logger.Info("otaforged running",
		"listen", cfg.Server.ListenAddr,
		"tls", cfg.Server.TLSCert != "",
		"staging_dir", cfg.Staging.Dir,
		"compression", compression.String(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-serveDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// loadConfig resolves the configuration source: explicit flag, then
// the OTAFORGE_CONFIG environment variable, then built-in defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("OTAFORGE_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// newLogger creates the standard otaforge logger: a JSON handler
// writing to stderr at Info level. It also sets the default slog
// logger so that third-party code using slog.Info etc. gets the same
// handler.
func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `otaforged — firmware over-the-air update server.

Devices and tooling interact over plain HTTP:

  GET  /            status page (last update, registered resources)
  POST /            streamed multipart firmware upload (manifest + data parts)
  PUT  /<any>       register a name=value resource from the request body
  GET  /<name>      read back a registered resource value

Flags:
%s`, flagSet.FlagUsages())
}
