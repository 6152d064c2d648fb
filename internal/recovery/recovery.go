// Package recovery implements the stale-work recovery engine of spec §4.G: a
// periodic scan over active jobs that re-publishes stuck PENDING tasks, fails
// timed-out RUNNING sims, retries FAILED sims, and re-drives stuck QUEUED jobs.
// Grounded on the teacher's orchestrator.Registry/BatchWorker liveness-tracking
// shape (IsActive/ActiveJobID), generalized from a single in-process registry
// into a scan over the Store's cross-process active-job and active-worker views,
// since recovery here must reason about workers in *other* processes.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"simbatch/internal/apperr"
	"simbatch/internal/broker"
	"simbatch/internal/model"
	"simbatch/internal/store"
)

// Aggregator is invoked when a scan observes every simulation of a job terminal.
type Aggregator interface {
	Aggregate(ctx context.Context, jobID string) error
}

// Options configures an Engine.
type Options struct {
	Store      store.Store
	Broker     broker.Broker // nil in no-broker/polling mode: tasks are not republished then; sim state repairs and the aggregation kick still run
	Aggregator Aggregator

	ScanInterval    time.Duration
	StuckQueued     time.Duration
	StuckPending    time.Duration
	StuckRunning    time.Duration
	RequeueCooldown time.Duration

	ContainerTimeoutMs int64
}

// Engine runs the periodic recovery scan of spec §4.G. The per-job republish
// cooldown map is an explicit field on the Engine (a per-process singleton, not
// a package global, per spec §9's "Singletons ... must be explicit in the
// constructor to keep tests hermetic").
type Engine struct {
	opts Options

	mu             sync.Mutex
	lastRepublish  map[string]time.Time
}

func New(opts Options) *Engine {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 45 * time.Second
	}
	if opts.StuckQueued <= 0 {
		opts.StuckQueued = 120 * time.Second
	}
	if opts.StuckPending <= 0 {
		opts.StuckPending = 5 * time.Minute
	}
	if opts.StuckRunning <= 0 {
		opts.StuckRunning = 150 * time.Minute
	}
	if opts.RequeueCooldown <= 0 {
		opts.RequeueCooldown = 120 * time.Second
	}
	return &Engine{opts: opts, lastRepublish: make(map[string]time.Time)}
}

// Run blocks, ticking every ScanInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single recovery pass over every active job. It is exported
// separately from Run so the HTTP recover endpoint (spec §6 POST
// /jobs/{id}/recover) and the progress streamer's per-tick recovery call
// (spec §4.I) can trigger an immediate pass without waiting for the next tick.
func (e *Engine) RunOnce(ctx context.Context) {
	jobs, err := e.opts.Store.ListActiveJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recovery: failed to list active jobs")
		return
	}

	activeWorkers, err := e.opts.Store.ListActiveWorkers(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("recovery: failed to list active workers")
		return
	}
	activeWorkerIDs := make(map[string]bool, len(activeWorkers))
	for _, w := range activeWorkers {
		activeWorkerIDs[w.WorkerID] = true
	}

	for _, job := range jobs {
		e.recoverJob(ctx, job, activeWorkerIDs)
	}
}

// RecoverJob runs a single-job recovery pass, used by the one-shot HTTP
// recovery endpoint (spec §6 POST /jobs/{id}/recover).
func (e *Engine) RecoverJob(ctx context.Context, jobID string) error {
	job, err := e.opts.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperr.New(apperr.NotFound, "job not found")
	}

	activeWorkers, err := e.opts.Store.ListActiveWorkers(ctx, time.Now())
	if err != nil {
		return err
	}
	activeWorkerIDs := make(map[string]bool, len(activeWorkers))
	for _, w := range activeWorkers {
		activeWorkerIDs[w.WorkerID] = true
	}

	e.recoverJob(ctx, job, activeWorkerIDs)
	return nil
}

func (e *Engine) recoverJob(ctx context.Context, job *model.Job, activeWorkerIDs map[string]bool) {
	now := time.Now()

	if job.Status == model.JobQueued {
		e.recoverStuckQueued(ctx, job, now, len(activeWorkerIDs) > 0)
		return
	}

	if job.Status != model.JobRunning {
		return
	}

	sims, err := e.opts.Store.GetSimulationStatuses(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("recovery: failed to list simulations")
		return
	}

	allTerminal := true
	for _, sim := range sims {
		switch sim.State {
		case model.SimPending:
			e.recoverStuckPending(ctx, job, sim, now)
			allTerminal = false
		case model.SimRunning:
			e.recoverRunningSim(ctx, job, sim, now, activeWorkerIDs)
			allTerminal = false
		case model.SimFailed:
			e.recoverFailedSim(ctx, job, sim, len(activeWorkerIDs) > 0)
			allTerminal = false
		case model.SimCompleted, model.SimCancelled:
			// already terminal
		default:
			allTerminal = false
		}
	}

	if allTerminal && e.opts.Aggregator != nil {
		if err := e.opts.Aggregator.Aggregate(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("recovery: aggregation kick failed")
		}
	}
}

// recoverStuckQueued re-drives a job that has been QUEUED for longer than
// StuckQueued. If simulations were never initialized (dispatcher crash between
// createJob and initializeSimulations), it initializes them first.
func (e *Engine) recoverStuckQueued(ctx context.Context, job *model.Job, now time.Time, hasActiveWorker bool) {
	if !hasActiveWorker {
		return
	}
	if now.Sub(job.CreatedAt) < e.opts.StuckQueued {
		return
	}
	if !e.passCooldown(job.ID, now) {
		return
	}

	sims, err := e.opts.Store.GetSimulationStatuses(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("recovery: failed to list simulations for stuck queued job")
		return
	}
	if len(sims) == 0 {
		if err := e.opts.Store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("recovery: failed to initialize simulations for stuck queued job")
			return
		}
		sims, err = e.opts.Store.GetSimulationStatuses(ctx, job.ID)
		if err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("recovery: failed to re-list simulations")
			return
		}
	}

	e.republishPending(ctx, job, sims)
	log.Info().Str("jobID", job.ID).Msg("recovery: re-drove stuck QUEUED job")
}

// recoverStuckPending re-publishes the task for a PENDING sim that has sat
// longer than StuckPending since the job started.
func (e *Engine) recoverStuckPending(ctx context.Context, job *model.Job, sim *model.Simulation, now time.Time) {
	reference := job.CreatedAt
	if job.StartedAt != nil {
		reference = *job.StartedAt
	}
	if now.Sub(reference) < e.opts.StuckPending {
		return
	}
	if !e.passCooldown(job.ID+":"+sim.SimID, now) {
		return
	}
	e.republishOne(ctx, job, sim)
}

// recoverRunningSim fails a RUNNING sim that has either exceeded StuckRunning or
// whose claiming worker is no longer active.
func (e *Engine) recoverRunningSim(ctx context.Context, job *model.Job, sim *model.Simulation, now time.Time, activeWorkerIDs map[string]bool) {
	if sim.StartedAt == nil {
		return
	}

	if now.Sub(*sim.StartedAt) > e.opts.StuckRunning {
		e.failSim(ctx, job.ID, sim.SimID, "Simulation timed out and exceeded maximum run duration")
		return
	}

	if sim.WorkerID != "" && !activeWorkerIDs[sim.WorkerID] {
		e.failSim(ctx, job.ID, sim.SimID, "Worker lost connection")
	}
}

func (e *Engine) failSim(ctx context.Context, jobID, simID, msg string) {
	ok, err := e.opts.Store.ConditionalUpdateSimulationStatus(ctx, jobID, simID,
		[]model.SimState{model.SimRunning},
		model.SimulationPatch{State: statePtr(model.SimFailed), ErrorMessage: strPtr(msg)})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Str("simID", simID).Msg("recovery: failed to mark sim FAILED")
		return
	}
	if ok {
		log.Info().Str("jobID", jobID).Str("simID", simID).Str("reason", msg).Msg("recovery: marked sim FAILED")
	}
}

// recoverFailedSim resets a FAILED sim back to PENDING and re-publishes it, as
// long as at least one worker is active to pick it up. Retries are unbounded at
// this layer (spec §9 open question (a)).
func (e *Engine) recoverFailedSim(ctx context.Context, job *model.Job, sim *model.Simulation, hasActiveWorker bool) {
	if !hasActiveWorker {
		return
	}
	ok, err := e.opts.Store.ConditionalUpdateSimulationStatus(ctx, job.ID, sim.SimID,
		[]model.SimState{model.SimFailed, model.SimPending}, model.SimulationPatch{State: statePtr(model.SimPending)})
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Str("simID", sim.SimID).Msg("recovery: failed to reset sim to PENDING")
		return
	}
	if !ok {
		return
	}
	e.republishOne(ctx, job, &model.Simulation{JobID: job.ID, SimID: sim.SimID, Index: sim.Index})
}

func (e *Engine) republishPending(ctx context.Context, job *model.Job, sims []*model.Simulation) {
	for _, sim := range sims {
		if sim.State == model.SimPending {
			e.republishOne(ctx, job, sim)
		}
	}
}

func (e *Engine) republishOne(ctx context.Context, job *model.Job, sim *model.Simulation) {
	if e.opts.Broker == nil {
		return // polling backend re-claims jobs directly; no task to republish
	}

	var taskDecks [4]broker.TaskDeck
	for i, d := range job.Decks {
		taskDecks[i] = broker.TaskDeck{ID: d.ID, Name: d.Name, Content: d.Content}
	}

	gamesThisContainer := model.GamesPerContainer
	if remaining := job.Simulations - sim.Index*model.GamesPerContainer; remaining < model.GamesPerContainer {
		gamesThisContainer = remaining
	}

	task := broker.SimulationTask{
		JobID: job.ID, SimID: sim.SimID, Index: sim.Index,
		Decks: taskDecks, GamesToPlay: gamesThisContainer, TimeoutMs: e.opts.ContainerTimeoutMs,
	}
	if err := e.opts.Broker.PublishSimulationTask(ctx, task); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Str("simID", sim.SimID).Msg("recovery: failed to republish task")
	}
}

// passCooldown reports whether key is past its per-job/per-sim republish
// cooldown, updating the timestamp if so.
func (e *Engine) passCooldown(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastRepublish[key]; ok && now.Sub(last) < e.opts.RequeueCooldown {
		return false
	}
	e.lastRepublish[key] = now
	return true
}

func statePtr(s model.SimState) *model.SimState { return &s }
func strPtr(s string) *string                   { return &s }
