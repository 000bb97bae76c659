// Command collector runs the Edge Collector: syslog/RELP/MQTT
// ingestion, buffering, and upload to the Centinela backend.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"centinela/internal/collector"
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
		Use:   "collector",
		Short: "Centinela edge collector",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadCollectorConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		return err
	}

	name := cfg.CollectorName
	if name == "" {
		name = petname.Generate(2, "-")
	}

	c, err := collector.New(collector.Config{
		APIURL:             cfg.APIURL,
		APIKey:             cfg.APIKey,
		UDPAddr:            cfg.UDPAddr,
		TCPAddr:            cfg.TCPAddr,
		RELPAddr:           cfg.RELPAddr,
		MQTTBroker:         cfg.MQTTBroker,
		MQTTTopic:          cfg.MQTTTopic,
		KafkaBrokers:       cfg.KafkaBrokers,
		KafkaTopic:         cfg.KafkaTopic,
		HealthAddr:         ":" + cfg.HealthPort,
		BatchSize:          cfg.BatchSize,
		FlushInterval:      cfg.FlushInterval,
		MaxBufferSize:      cfg.MaxBufferSize,
		MaxRetries:         cfg.MaxRetries,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		RetryCheckInterval: cfg.RetryCheckInterval,
		CollectorName:      name,
		SiteID:             cfg.SiteID,
		Version:            version,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("build collector failed", "error", err)
		return err
	}

	logger.Info("starting collector", "name", name, "health_port", cfg.HealthPort)
	return c.Run(ctx)
}
