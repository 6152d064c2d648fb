// Command worker runs the worker process: claims simulation tasks (broker mode)
// or whole jobs (no-broker polling mode), spawns one container per simulation,
// and reports outcomes back through the store. Same config-load ->
// logger-setup -> dependency-construction shape as cmd/api, grounded on the
// teacher's cmd/pubg/main.go.
package main

import (
	"context"
	"flag"
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
	"simbatch/internal/containerrunner"
	"simbatch/internal/containerrunner/docker"
	"simbatch/internal/progress"
	"simbatch/internal/store"
	"simbatch/internal/store/docstore"
	"simbatch/internal/store/sqlstore"
	"simbatch/internal/workerruntime"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to the JSON config file")
	workerName := flag.String("name", "", "human-readable worker name reported in heartbeats")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Msg("starting simbatch worker")

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

	runner, err := mustRunner(*cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct the container runner")
	}

	agg := aggregator.New(aggregator.Options{
		Store:    st,
		Blobs:    blobs,
		Progress: progressStore,
	})

	capacity := workerruntime.DetectHostCapacity(workerruntime.CapacityConfig{
		RAMPerSimMB:     cfg.Worker.RAMPerSimMB,
		SystemReserveMB: cfg.Worker.SystemReserveMB,
		CPUsPerSim:      cfg.Worker.CPUsPerSim,
		HardCap:         cfg.Worker.MaxConcurrentSims,
	})
	log.Info().Int("capacity", capacity).Msg("computed worker capacity")

	w := workerruntime.New(workerruntime.Options{
		Store:              st,
		Broker:             brk,
		Progress:           progressStore,
		Blobs:              blobs,
		Runner:             runner,
		Aggregator:         agg,
		WorkerName:         *workerName,
		Capacity:           capacity,
		ContainerCPUs:      cfg.Worker.CPUsPerSim,
		ContainerMemMB:     cfg.Worker.RAMPerSimMB,
		ContainerTimeMs:    cfg.Worker.ContainerTimeoutMs,
		HeartbeatIntervalS: cfg.Worker.HeartbeatIntervalS,
	})

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker run loop exited with an error")
	}
	log.Info().Msg("worker shut down")
}

func mustRunner(cfg config.Config) (containerrunner.Runner, error) {
	if cfg.Worker.SimulationImage == "" {
		log.Warn().Msg("no simulation image configured, worker will not be able to run containers")
		return nil, nil
	}
	return docker.New(cfg.Worker.SimulationImage)
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
