// Package main implements the cellmate command: it publishes camera frames
// as image requests and waits for the reply, or serves as the receiving
// application for such requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/cellmate/config"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/health"
	"github.com/c360/cellmate/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cellmate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()

	if err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		slog.Error("Application failed",
			"error", err,
			"class", errs.Classify(err).String(),
			"exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cliCfg, shouldExit, err := initializeCLI(args, stdout, stderr)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "transport", cfg.Transport.Kind)
		return nil
	}

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(appName, slog.Default())
	stopMetrics := startMetricsServer(cfg.Metrics, registry, monitor)
	defer stopMetrics(cliCfg.ShutdownTimeout)

	switch cliCfg.Command {
	case "publish":
		return runPublish(ctx, cfg, cliCfg, registry, stdout, stderr)
	case "serve":
		return runServe(ctx, cfg, cliCfg, registry, monitor)
	default:
		return fmt.Errorf("unknown command: %s", cliCfg.Command)
	}
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string, stdout, stderr io.Writer) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args, stderr)
	if err != nil {
		return nil, true, err
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp(stderr)
		return nil, true, nil
	}

	if err := validateFlags(cliCfg); err != nil {
		return nil, true, fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting cellmate",
		"version", Version,
		"build_time", BuildTime,
		"command", cliCfg.Command,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.EnvFile != "" {
		if err := godotenv.Load(cliCfg.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", cliCfg.EnvFile, err)
		}
	}

	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.Debug("Configuration loaded", "config", cfg.String())
	return cfg, nil
}

// startMetricsServer serves metrics and /health when enabled and returns its stop function
func startMetricsServer(mc config.MetricsConfig, registry *metric.MetricsRegistry, monitor *health.Monitor) func(time.Duration) {
	if !mc.Enabled {
		return func(time.Duration) {}
	}

	server := metric.NewServer(mc.Port, mc.Path, registry)
	server.Handle("/health", monitor)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics server started", "address", server.Address())

	return func(timeout time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}
}
