// Command api runs the HTTP server process: job CRUD, worker status-report
// endpoints and the progress stream, plus the recovery scan loop. The
// config-load -> logger-setup -> dependency-construction shape is grounded on
// the teacher's cmd/pubg/main.go; internal/server.New's constructor wires the
// components the teacher never itself wired into a cmd.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"simbatch/internal/aggregator"
	"simbatch/internal/blobstore"
	"simbatch/internal/blobstore/memstore"
	s3blob "simbatch/internal/blobstore/s3"
	"simbatch/internal/broker"
	"simbatch/internal/broker/rabbit"
	"simbatch/internal/config"
	"simbatch/internal/dispatcher"
	"simbatch/internal/progress"
	"simbatch/internal/recovery"
	"simbatch/internal/server"
	"simbatch/internal/store"
	"simbatch/internal/store/docstore"
	"simbatch/internal/store/sqlstore"
	"simbatch/internal/streamer"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Int("port", cfg.Port).Msg("starting simbatch api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := mustStore(ctx, *cfg)

	var brk broker.Broker
	if cfg.RabbitMQ.Enabled {
		brk, err = rabbit.New(cfg.RabbitMQ)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer brk.Close()
	}

	progressStore, err := progress.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}

	blobs := mustBlobstore(ctx, *cfg)

	agg := aggregator.New(aggregator.Options{
		Store:    st,
		Blobs:    blobs,
		Progress: progressStore,
	})

	rec := recovery.New(recovery.Options{
		Store:              st,
		Broker:             brk,
		Aggregator:         agg,
		ScanInterval:       time.Duration(cfg.Recovery.ScanIntervalS) * time.Second,
		StuckQueued:        time.Duration(cfg.Recovery.StuckQueuedS) * time.Second,
		StuckPending:       time.Duration(cfg.Recovery.StuckPendingS) * time.Second,
		StuckRunning:       time.Duration(cfg.Recovery.StuckRunningS) * time.Second,
		RequeueCooldown:    time.Duration(cfg.Recovery.RequeueCooldownS) * time.Second,
		ContainerTimeoutMs: cfg.Worker.ContainerTimeoutMs,
	})
	go rec.Run(ctx)

	disp := dispatcher.New(dispatcher.Options{
		Store:              st,
		Broker:             brk,
		Progress:           progressStore,
		PublishConcurrency: cfg.Dispatch.PublishConcurrency,
		ContainerTimeoutMs: cfg.Worker.ContainerTimeoutMs,
	})

	stream := streamer.New(streamer.Options{
		Store:            st,
		Progress:         progressStore,
		Recoverer:        rec,
		RecoveryInterval: time.Duration(cfg.Recovery.StreamTickIntervalS) * time.Second,
	})

	srv := server.New(server.Options{
		Store:      st,
		Dispatcher: disp,
		Recovery:   rec,
		Aggregator: agg,
		Progress:   progressStore,
		Broker:     brk,
		Streamer:   stream,
		Config:     *cfg,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func mustStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.UsesDocStore() {
		st, err := docstore.New(ctx, docstore.Config{
			URI:      cfg.MongoDB.URI,
			Username: cfg.MongoDB.Username,
			Password: cfg.MongoDB.Password,
			DB:       cfg.MongoDB.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to the document store")
		}
		return st
	}

	st, err := sqlstore.New(cfg.SQL.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open the embedded sql store")
	}
	return st
}

func mustBlobstore(ctx context.Context, cfg config.Config) blobstore.Store {
	if cfg.AWS.S3.Bucket == "" {
		log.Warn().Msg("no S3 bucket configured, using an in-memory blobstore")
		return memstore.New()
	}
	blobs, err := s3blob.New(ctx, cfg.AWS.S3.AccessKeyID, cfg.AWS.S3.SecretAccessKey, cfg.AWS.S3.Bucket, cfg.AWS.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct the S3 blobstore")
	}
	return blobs
}

func setupLogger(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "json":
		// JSON is zerolog's default writer.
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}
