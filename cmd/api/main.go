// Package main is the entry point for the pushpipe API server.
//
// It loads configuration, builds the application graph (store, broker,
// delivery pipeline, consumer pool, HTTP server) and serves until SIGINT or
// SIGTERM, then shuts down in dependency order.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pushpipe/internal/app"
	"pushpipe/internal/config"
	"pushpipe/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(config.DefaultProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, closer := logging.New(cfg.Log.Level, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	logger.Info("pushpipe API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"delivery_mode", cfg.Delivery.Mode,
	)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	logger.Info("capabilities negotiated",
		"broker", a.Caps.Broker,
		"broker_connected", a.Caps.BrokerConnected,
		"store", a.Caps.Store,
		"provider", a.Caps.Provider,
		"mode", a.Caps.Mode,
	)

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("pushpipe API stopped")
	return nil
}
