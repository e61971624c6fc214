package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/booth"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the booth until interrupted",
	RunE:  runBooth,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBooth(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting booth service",
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"debug", debug,
	)

	b, err := booth.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create booth: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- b.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("booth error", "error", runErr)
		} else {
			slog.Info("booth stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := b.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("booth service stopped successfully")
	return runErr
}
