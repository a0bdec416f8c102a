package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/config"
	"github.com/altsci/atdata/internal/fetch"
	"github.com/altsci/atdata/internal/identity"
	"github.com/altsci/atdata/internal/ingest"
	"github.com/altsci/atdata/internal/store/postgres"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "One-shot reconciliation against the relay",
	Long: `backfill walks every repo the relay knows to hold indexed collections
and re-feeds their records through the processor. Records already indexed
from the live firehose are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// No subscribers exist in a one-shot run; the stream only
		// assigns sequence numbers.
		registry := prometheus.NewRegistry()
		stream := changestream.New(logger)
		validator := fetch.NewValidator(cfg.DevMode)
		metrics := ingest.NewMetrics(registry)
		processor := ingest.NewProcessor(st, stream, validator, nil, logger, metrics)
		backfiller := ingest.NewBackfiller(cfg.RelayHost, identity.NewResolver(), processor, logger, metrics)

		logger.Info("backfill starting", "relay", cfg.RelayHost)
		if err := backfiller.Run(ctx); err != nil {
			return err
		}
		logger.Info("backfill complete")
		return nil
	},
}
