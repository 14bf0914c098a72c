package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-acq/internal/config"
	"github.com/e7canasta/orion-acq/internal/core"
	"github.com/e7canasta/orion-acq/proc"
)

const defaultConfigPath = "config/acqd.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(runWorker(os.Args[2:]))
	}

	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	autostart := flag.Bool("autostart", false, "Open, start acquisition and begin saving on startup")
	flag.Parse()

	// Setup structured logger
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(*debug),
	})))

	slog.Info("starting acquisition service",
		"config", *configPath,
		"debug", *debug,
		"autostart", *autostart,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := core.NewService(core.Options{
		ConfigPath: *configPath,
		Debug:      *debug,
		Autostart:  *autostart,
	})
	if err != nil {
		slog.Error("failed to create acquisition service", "error", err)
		os.Exit(1)
	}

	health := svc.StartHealthServer(svc.Config().HealthAddr)

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-errChan; err != nil {
			slog.Error("service error", "error", err)
		}
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if health != nil {
		health.Shutdown(shutdownCtx)
	}

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("acquisition service stopped successfully")
}

// runWorker is "acqd worker <role> [-config path] [-debug]", started by the
// owner. stdout carries IPC, so logs go to stderr, which the owner relays.
func runWorker(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: acqd worker hardware|persist [-config path] [-debug]")
		return 2
	}
	role := args[0]

	fs := flag.NewFlagSet("worker "+role, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*debug),
	})).With("role", role))

	// The owner decides when workers stop; a terminal ^C goes to it alone.
	signal.Ignore(syscall.SIGINT)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	err = core.RunWorker(context.Background(), role, cfg)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, proc.ErrOrphaned):
		slog.Warn("owner gone, worker exiting")
		return 3
	default:
		slog.Error("worker failed", "error", err)
		return 1
	}
}

func logLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
