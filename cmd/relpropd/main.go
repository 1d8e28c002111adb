// Package main is the entry point for the relpropd binary.
// It serves relevance attributions for one manifest-defined network.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/explainlab/relprop/pkg/logging"
	"github.com/explainlab/relprop/pkg/service"
	"github.com/explainlab/relprop/pkg/telemetry"
)

const (
	serviceName              = "relpropd"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for relpropd
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relpropd",
		Short: "Attribution service for manifest-defined networks",
		Long: `relpropd serves layer-wise relevance attributions over HTTP.

The service loads a network manifest, reloads it when the file changes, and
exposes POST /v1/attribute along with health and Prometheus endpoints.

Example:
  relpropd --model net.yaml --listen :8098`,
		RunE: runServer,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("listen", "l", "", "Listen address (overrides config)")
	rootCmd.Flags().StringP("model", "m", "", "Path to the network manifest (overrides config)")
	rootCmd.Flags().String("log-level", "", "Log level (overrides config)")

	return rootCmd
}

// buildConfig builds the final service configuration from the config file
// and CLI flag overrides
func buildConfig(cmd *cobra.Command) (*service.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return nil, fmt.Errorf("failed to get listen flag: %w", err)
	}
	modelPath, err := cmd.Flags().GetString("model")
	if err != nil {
		return nil, fmt.Errorf("failed to get model flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg := service.DefaultConfig()
	if configPath != "" {
		cfg, err = service.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}

	// CLI flags override config file values
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if modelPath != "" {
		cfg.ModelPath = modelPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model specified. Use: relpropd --model <manifest> or a config file")
	}

	return cfg, nil
}

// runServer is the main entry point for the relpropd command
func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing", "error", err)
	} else {
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer shCancel()
			if err := shutdownTelemetry(shCtx); err != nil {
				logger.Warn("Trace export shutdown failed", "error", err)
			}
		}()
	}

	srv, err := service.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service error", "error", err)
		return err
	}

	logger.Info("Service stopped")
	return nil
}
