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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/altsci/atdata/internal/auth"
	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/config"
	"github.com/altsci/atdata/internal/events"
	"github.com/altsci/atdata/internal/fetch"
	"github.com/altsci/atdata/internal/identity"
	"github.com/altsci/atdata/internal/ingest"
	"github.com/altsci/atdata/internal/server"
	"github.com/altsci/atdata/internal/snapshot"
	"github.com/altsci/atdata/internal/store/postgres"
)

// runner is anything with a context-bound run loop.
type runner interface {
	Run(ctx context.Context) error
}

// startIngest launches the long-lived firehose consumer and, alongside
// it, the one-shot startup backfill that reconciles history the firehose
// session never saw. The returned channel closes when the consumer
// exits.
func startIngest(ctx context.Context, consumer, backfiller runner, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("firehose consumer stopped", "err", err)
		}
	}()
	go func() {
		if err := backfiller.Run(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("startup backfill failed", "err", err)
			}
			return
		}
		logger.Info("startup backfill complete")
	}()
	return done
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AppView: firehose consumer plus XRPC server",
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

		registry := prometheus.NewRegistry()
		stream := changestream.New(logger,
			changestream.WithBufferSize(cfg.BufferSize),
			changestream.WithSubscriberQueue(cfg.SubscriberQueue),
			changestream.WithMaxSubscribers(cfg.MaxSubscribers),
			changestream.WithMetrics(changestream.NewMetrics(registry)),
		)

		validator := fetch.NewValidator(cfg.DevMode)
		fetcher := fetch.NewFetcher(validator)
		resolver := identity.NewResolver()

		// Optional broker mirror of the change feed.
		var publisher events.Publisher
		var mirror ingest.Mirror
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			mirror = events.NewMirror(pub)
			logger.Info("change event mirror enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("change event mirror disabled (ATDATA_NATS_URL not set)")
		}

		ingestMetrics := ingest.NewMetrics(registry)
		processor := ingest.NewProcessor(st, stream, validator, mirror, logger, ingestMetrics)
		consumer := ingest.NewConsumer(cfg.JetstreamURL, cfg.Collections, st, processor, logger, ingestMetrics)
		backfiller := ingest.NewBackfiller(cfg.RelayHost, resolver, processor, logger, ingestMetrics)

		// Signature verification of inter-service tokens is delegated;
		// with no checker configured the claim checks still apply.
		verifier := auth.NewServiceVerifier(cfg.ServiceDID(), nil)

		srv := server.New(server.Options{
			Store:           st,
			Stream:          stream,
			Fetcher:         fetcher,
			Resolver:        resolver,
			Verifier:        verifier,
			Logger:          logger,
			Registry:        registry,
			ServiceDID:      cfg.ServiceDID(),
			ServiceEndpoint: cfg.ServiceEndpoint(),
			DevMode:         cfg.DevMode,
		})

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: srv.Handler(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", httpServer.Addr, "did", cfg.ServiceDID())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		ingestCtx, stopIngest := context.WithCancel(context.Background())
		consumerDone := startIngest(ingestCtx, consumer, backfiller, logger)

		var scheduler *snapshot.Scheduler
		if cfg.SnapshotInterval > 0 && cfg.SnapshotS3Bucket != "" {
			dest, err := snapshot.NewS3Destination(
				context.Background(),
				cfg.SnapshotS3Bucket,
				cfg.SnapshotS3Key,
				cfg.SnapshotS3Region,
				cfg.SnapshotS3Endpoint,
			)
			if err != nil {
				logger.Error("snapshot destination unavailable", "err", err)
			} else {
				scheduler = snapshot.NewScheduler(st, []snapshot.Destination{dest}, cfg.SnapshotInterval, logger)
				scheduler.Start()
				logger.Info("snapshot scheduler started", "interval", cfg.SnapshotInterval, "bucket", cfg.SnapshotS3Bucket)
			}
		}

		logger.Info("atdata started", "endpoint", cfg.ServiceEndpoint())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// The consumer flushes its cursor on the way out.
		stopIngest()
		<-consumerDone
		logger.Info("firehose consumer stopped")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("snapshot scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		srv.Wait()
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
