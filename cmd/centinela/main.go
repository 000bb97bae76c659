// Command centinela runs the backend service: ingestion front door,
// pipeline scheduler, and admin diagnostics.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"centinela/internal/backend"
	"centinela/internal/config"
	"centinela/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "centinela",
		Short: "Centinela security telemetry backend",
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the backend service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadBackendConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		return err
	}

	b, err := backend.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("build backend failed", "error", err)
		return err
	}

	return b.Run(ctx)
}
