// Package server implements the HTTP surface of spec §6: job CRUD, the
// worker-facing status-report endpoints, the progress stream and the worker
// heartbeat endpoint, on top of gin, grounded on the teacher's internal/server
// package (same Server struct + http.Server constructor shape, same
// gin-contrib/cors setup in routes.go, same health-handler pattern), adapted
// from the teacher's PUBG-report surface to this repository's job/simulation
// domain.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"simbatch/internal/broker"
	"simbatch/internal/config"
	"simbatch/internal/dispatcher"
	"simbatch/internal/progress"
	"simbatch/internal/recovery"
	"simbatch/internal/store"
	"simbatch/internal/streamer"
)

// Aggregator is invoked when the HTTP layer observes a job's simulations all
// terminal (e.g. the last worker PATCH to complete a simulation).
type Aggregator interface {
	Aggregate(ctx context.Context, jobID string) error
}

// Server wires the HTTP surface to the store and the core components. Every
// handler is a thin adapter: validation and status-code mapping here, domain
// logic in store/dispatcher/recovery/aggregator/streamer.
type Server struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	recovery   *recovery.Engine
	aggregator Aggregator
	progress   progress.Store
	broker     broker.Broker
	streamer   *streamer.Streamer
	cfg        config.Config
}

// Options configures a Server. Broker/Progress/Recovery/Aggregator/Streamer may
// be nil when the corresponding subsystem is not wired into this process (e.g.
// no-broker polling mode has no broker.Broker at all).
type Options struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Recovery   *recovery.Engine
	Aggregator Aggregator
	Progress   progress.Store
	Broker     broker.Broker
	Streamer   *streamer.Streamer
	Config     config.Config
}

func New(opts Options) *http.Server {
	s := &Server{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		recovery:   opts.Recovery,
		aggregator: opts.Aggregator,
		progress:   opts.Progress,
		broker:     opts.Broker,
		streamer:   opts.Streamer,
		cfg:        opts.Config,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Config.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the /stream endpoint is long-lived; no blanket write timeout
	}
}
