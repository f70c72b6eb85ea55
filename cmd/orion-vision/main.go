package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/e7canasta/orion-vision/internal/config"
	"github.com/e7canasta/orion-vision/internal/core"
)

const version = "v0.3.0"

func main() {
	configPath := pflag.String("config", "", "Path to configuration file (empty = defaults plus ORION_* environment)")
	listen := pflag.String("listen", "", "Override the control API listen address")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	showVersion := pflag.Bool("version", false, "Show version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("orion-vision %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orion-vision: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("starting orion-vision",
		"version", version,
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"engine", cfg.Engine,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orion, err := core.New(cfg, core.WithLogger(logger), core.WithDrivers(registerDrivers))
	if err != nil {
		slog.Error("failed to create orion-vision", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- orion.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
	}
	stop()

	shutdownTimeout := orion.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := orion.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("orion-vision stopped")
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
