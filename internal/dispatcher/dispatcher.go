// Package dispatcher implements job creation and simulation fan-out (spec §4.D):
// resolve decks, check business limits, create the job and its simulations, then
// publish one task per simulation with bounded concurrency. The bounded
// concurrent fan-out is grounded on the teacher's processor.ProcessBatch worker
// pool, reimplemented with golang.org/x/sync/errgroup (a teacher transitive
// dependency promoted to direct use here) for the same bounded-concurrency shape
// with considerably less bookkeeping than a hand-rolled channel/WaitGroup pool.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"simbatch/internal/apperr"
	"simbatch/internal/broker"
	"simbatch/internal/external"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/store"
)

// CreateJobRequest is the inbound request shape from the HTTP layer.
type CreateJobRequest struct {
	DeckRefs       [4]string
	Simulations    int
	Parallelism    int
	CreatedBy      string
	IdempotencyKey string
}

// Dispatcher creates jobs and fans their simulations out to the broker.
type Dispatcher struct {
	store              store.Store
	broker             broker.Broker // nil in no-broker/polling mode
	progress           progress.Store
	decks              external.DeckResolver
	limits             external.LimitsChecker
	publishConcurrency int
	containerTimeoutMs int64
}

// Options configures a Dispatcher.
type Options struct {
	Store              store.Store
	Broker             broker.Broker
	Progress           progress.Store
	Decks              external.DeckResolver
	Limits             external.LimitsChecker
	PublishConcurrency int
	ContainerTimeoutMs int64
}

func New(opts Options) *Dispatcher {
	concurrency := opts.PublishConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	decks := opts.Decks
	if decks == nil {
		decks = external.PassthroughResolver()
	}
	limits := opts.Limits
	if limits == nil {
		limits = external.AllowAllLimits()
	}
	return &Dispatcher{
		store:              opts.Store,
		broker:             opts.Broker,
		progress:           opts.Progress,
		decks:              decks,
		limits:             limits,
		publishConcurrency: concurrency,
		containerTimeoutMs: opts.ContainerTimeoutMs,
	}
}

// Submit validates the request, resolves decks, checks business limits, creates
// the job and its simulations, and — in broker mode — publishes one task per
// simulation with bounded concurrency (spec §4.D steps 1-6).
func (d *Dispatcher) Submit(ctx context.Context, req CreateJobRequest) (*model.Job, error) {
	if req.Simulations <= 0 {
		return nil, apperr.New(apperr.Validation, "simulations must be positive")
	}
	if req.Parallelism <= 0 {
		req.Parallelism = 1
	}

	decks, err := d.decks.ResolveDecks(ctx, req.DeckRefs)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "failed to resolve decks", err)
	}

	if err := d.limits.CheckLimits(ctx, req.CreatedBy, req.Simulations); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "business limits rejected job", err)
	}

	job, err := d.store.CreateJob(ctx, store.CreateJobParams{
		Decks:          decks,
		Simulations:    req.Simulations,
		Parallelism:    req.Parallelism,
		CreatedBy:      req.CreatedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := d.store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
		return nil, fmt.Errorf("initialize simulations: %w", err)
	}

	if d.progress != nil {
		if err := d.progress.UpdateJobProgress(ctx, progress.JobProgress{
			JobID: job.ID, CompletedSimCount: 0, TotalSimCount: job.TotalSimCount,
		}); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("failed to seed job progress")
		}
	}

	if d.broker != nil {
		if err := d.publishAll(ctx, job); err != nil {
			return nil, fmt.Errorf("publish simulation tasks: %w", err)
		}
	}

	log.Info().Str("jobID", job.ID).Int("totalSims", job.TotalSimCount).
		Int("parallelism", job.Parallelism).Msg("job dispatched")
	return job, nil
}

func (d *Dispatcher) publishAll(ctx context.Context, job *model.Job) error {
	var taskDecks [4]broker.TaskDeck
	for i, dk := range job.Decks {
		taskDecks[i] = broker.TaskDeck{ID: dk.ID, Name: dk.Name, Content: dk.Content}
	}

	remaining := job.Simulations
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.publishConcurrency)

	for i := 0; i < job.TotalSimCount; i++ {
		index := i
		gamesThisContainer := model.GamesPerContainer
		if remaining < model.GamesPerContainer {
			gamesThisContainer = remaining
		}
		remaining -= gamesThisContainer

		task := broker.SimulationTask{
			JobID:       job.ID,
			SimID:       model.FormatSimID(index),
			Index:       index,
			Decks:       taskDecks,
			GamesToPlay: gamesThisContainer,
			TimeoutMs:   d.containerTimeoutMs,
		}
		g.Go(func() error {
			return d.broker.PublishSimulationTask(gctx, task)
		})
	}

	return g.Wait()
}

// Cancel cancels a job and cascades to its simulations (spec §4.D's cancellation
// path, delegated straight to the store's atomic CancelJob).
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (bool, error) {
	return d.store.CancelJob(ctx, jobID)
}

// Retry resets a FAILED job back to QUEUED for re-dispatch, then republishes its
// simulation tasks in broker mode.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (bool, error) {
	ok, err := d.store.ResetJobForRetry(ctx, jobID)
	if err != nil || !ok {
		return ok, err
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return true, err
	}

	if d.broker != nil {
		if err := d.publishAll(ctx, job); err != nil {
			return true, fmt.Errorf("republish simulation tasks: %w", err)
		}
	}
	return true, nil
}
