// Package workerruntime implements the worker-side execution of one simulation
// task (spec §4.E): claim, resolve decks, run a container, report the outcome,
// and emit heartbeats — grounded on the teacher's orchestrator/processor worker
// pool style, generalized from PUBG batch fetches to per-container simulation
// runs. A no-broker polling backend claims whole jobs directly via
// store.ClaimNextJob when no broker is configured (spec §4.B's documented
// degraded mode).
package workerruntime

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"simbatch/internal/blobstore"
	"simbatch/internal/broker"
	"simbatch/internal/containerrunner"
	"simbatch/internal/external"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/store"
)

// Aggregator is invoked once a job's simulations are all terminal. It lives in a
// separate package to avoid an import cycle (the aggregator itself depends on
// store/blobstore/external, not on workerruntime).
type Aggregator interface {
	Aggregate(ctx context.Context, jobID string) error
}

// Options configures a Worker.
type Options struct {
	Store           store.Store
	Broker          broker.Broker // nil selects the no-broker polling backend
	Progress        progress.Store
	Blobs           blobstore.Store
	Runner          containerrunner.Runner
	LogParser       external.LogParser
	Aggregator      Aggregator
	WorkerID        string
	WorkerName      string
	Capacity        int
	ContainerCPUs   int
	ContainerMemMB  int
	ContainerTimeMs int64
	HeartbeatIntervalS int
	PollIntervalMs  int64
}

// Worker pulls simulation tasks (broker mode) or whole jobs (polling mode),
// spawns one container per simulation within its capacity, and reports
// transitions back through the store.
type Worker struct {
	opts Options

	mu        sync.Mutex
	active    map[string]activeSim // simID -> tracking info
	startedAt time.Time
}

func New(opts Options) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.ContainerCPUs <= 0 {
		opts.ContainerCPUs = 2
	}
	if opts.ContainerMemMB <= 0 {
		opts.ContainerMemMB = 1200
	}
	if opts.HeartbeatIntervalS <= 0 {
		opts.HeartbeatIntervalS = 15
	}
	if opts.PollIntervalMs <= 0 {
		opts.PollIntervalMs = 2000
	}
	if opts.LogParser == nil {
		opts.LogParser = external.NoopParser()
	}
	return &Worker{
		opts:      opts,
		active:    make(map[string]activeSim),
		startedAt: time.Now(),
	}
}

// activeSim tracks one in-flight simulation's owning job and cancellation hook.
type activeSim struct {
	jobID  string
	cancel context.CancelFunc
}

// Run blocks until ctx is cancelled, driving the heartbeat emitter plus either
// the broker subscription or the polling loop.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.Runner != nil {
		if err := w.opts.Runner.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to prune orphaned simulation containers at startup")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runHeartbeat(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if w.opts.Broker != nil {
			w.runBrokerLoop(ctx)
		} else {
			w.runPollingLoop(ctx)
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) freeCapacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opts.Capacity - len(w.active)
}

func (w *Worker) runBrokerLoop(ctx context.Context) {
	deliveries, err := w.opts.Broker.Subscribe(ctx, w.opts.WorkerID)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to simulation task broker")
		return
	}

	sem := make(chan struct{}, w.opts.Capacity)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			sem <- struct{}{}
			go func(d broker.Delivery) {
				defer func() { <-sem }()
				w.handleDelivery(ctx, d)
			}(d)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d broker.Delivery) {
	if err := w.handleTask(ctx, d.Task); err != nil {
		log.Error().Err(err).Str("jobID", d.Task.JobID).Str("simID", d.Task.SimID).
			Msg("simulation task handling failed")
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()
}

// runPollingLoop implements the no-broker degraded mode: the worker claims whole
// QUEUED jobs directly and runs every simulation itself, sequentially bounded by
// capacity, since there is no broker to fan per-simulation tasks out to other
// workers.
func (w *Worker) runPollingLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.opts.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.freeCapacity() <= 0 {
				continue
			}
			job, err := w.opts.Store.ClaimNextJob(ctx, w.opts.WorkerID, w.opts.WorkerName)
			if err != nil {
				log.Error().Err(err).Msg("failed to poll for queued job")
				continue
			}
			if job == nil {
				continue
			}
			go w.runClaimedJob(ctx, job)
		}
	}
}

func (w *Worker) runClaimedJob(ctx context.Context, job *model.Job) {
	if err := w.opts.Store.InitializeSimulations(ctx, job.ID, job.TotalSimCount); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("failed to initialize simulations for claimed job")
		return
	}

	var taskDecks [4]broker.TaskDeck
	for i, dk := range job.Decks {
		taskDecks[i] = broker.TaskDeck{ID: dk.ID, Name: dk.Name, Content: dk.Content}
	}

	remaining := job.Simulations
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.opts.Capacity)
	for i := 0; i < job.TotalSimCount; i++ {
		games := model.GamesPerContainer
		if remaining < model.GamesPerContainer {
			games = remaining
		}
		remaining -= games

		task := broker.SimulationTask{
			JobID:       job.ID,
			SimID:       model.FormatSimID(i),
			Index:       i,
			Decks:       taskDecks,
			GamesToPlay: games,
			TimeoutMs:   w.opts.ContainerTimeMs,
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(t broker.SimulationTask) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.handleTask(ctx, t); err != nil {
				log.Error().Err(err).Str("jobID", t.JobID).Str("simID", t.SimID).
					Msg("claimed-job simulation handling failed")
			}
		}(task)
	}
	wg.Wait()
}

// handleTask implements spec §4.E.1 steps 1-8 for one simulation task.
func (w *Worker) handleTask(ctx context.Context, task broker.SimulationTask) error {
	claimed, err := w.opts.Store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimState{model.SimPending, model.SimFailed},
		model.SimulationPatch{
			State:      statePtr(model.SimRunning),
			WorkerID:   strPtr(w.opts.WorkerID),
			WorkerName: strPtr(w.opts.WorkerName),
			StartedAt:  timePtr(time.Now()),
		})
	if err != nil {
		return fmt.Errorf("claim simulation: %w", err)
	}
	if !claimed {
		return nil // already progressed by another worker; caller acks and drops
	}

	job, err := w.opts.Store.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	if job.Status == model.JobCancelled {
		_, _ = w.opts.Store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
			[]model.SimState{model.SimRunning},
			model.SimulationPatch{State: statePtr(model.SimCancelled), ErrorMessage: strPtr("Cancelled")})
		return nil
	}

	if job.Status == model.JobQueued {
		_, err := w.opts.Store.ConditionalUpdateJobStatus(ctx, task.JobID,
			[]model.JobStatus{model.JobQueued}, model.JobRunning,
			store.JobPatch{Status: statePtrJob(model.JobRunning), StartedAt: timePtr(time.Now()),
				WorkerID: strPtr(w.opts.WorkerID), WorkerName: strPtr(w.opts.WorkerName)})
		if err != nil {
			log.Warn().Err(err).Str("jobID", task.JobID).Msg("failed to flip job to RUNNING")
		}
	}

	w.trackSim(task.JobID, task.SimID)
	defer w.untrackSim(task.JobID, task.SimID)

	runCtx, cancel := context.WithCancel(ctx)
	w.registerCancel(task.SimID, cancel)
	defer w.deregisterCancel(task.SimID)
	defer cancel()

	// Deck content already travels on the wire with the task (broker.TaskDeck is
	// denormalized for exactly this reason), so no external deck resolution
	// happens here.
	var deckInputs [4]containerrunner.DeckInput
	for i, d := range task.Decks {
		deckInputs[i] = containerrunner.DeckInput{ID: d.ID, Name: d.Name, Content: d.Content}
	}

	timeoutMs := task.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = w.opts.ContainerTimeMs
	}

	result, runErr := w.opts.Runner.Run(runCtx, containerrunner.RunRequest{
		JobID: task.JobID, SimID: task.SimID, Index: task.Index,
		Decks: deckInputs, GamesToPlay: task.GamesToPlay, TimeoutMs: timeoutMs,
		CPUs: w.opts.ContainerCPUs, MemoryMB: w.opts.ContainerMemMB,
	})

	if result.AlreadyRunning {
		log.Info().Str("jobID", task.JobID).Str("simID", task.SimID).
			Msg("simulation container already running, acking duplicate delivery")
		return nil
	}

	if result.Cancelled {
		_, _ = w.opts.Store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
			[]model.SimState{model.SimRunning},
			model.SimulationPatch{State: statePtr(model.SimCancelled), ErrorMessage: strPtr("Cancelled")})
		return nil
	}

	if result.ExitCode != 0 || runErr != nil {
		msg := "simulation container exited non-zero"
		if runErr != nil {
			msg = runErr.Error()
		}
		return w.failSim(ctx, task, msg, result.DurationMs)
	}

	winners, turns, err := w.opts.LogParser.ParseLog(ctx, result.LogText, task.GamesToPlay)
	if err != nil {
		log.Warn().Err(err).Str("jobID", task.JobID).Str("simID", task.SimID).
			Msg("failed to parse simulation log; completing with empty results")
	}

	if w.opts.Blobs != nil {
		key := blobstore.RawLogKey(task.JobID, task.Index+1)
		if _, err := w.opts.Blobs.Upload(ctx, key, strings.NewReader(result.LogText)); err != nil {
			log.Warn().Err(err).Str("jobID", task.JobID).Str("simID", task.SimID).
				Msg("failed to upload raw simulation log")
		}
	}

	ok, err := w.opts.Store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimState{model.SimPending, model.SimRunning, model.SimFailed},
		model.SimulationPatch{
			State:        statePtr(model.SimCompleted),
			CompletedAt:  timePtr(time.Now()),
			DurationMs:   int64Ptr(result.DurationMs),
			Winners:      winners,
			WinningTurns: turns,
		})
	if err != nil {
		return fmt.Errorf("record simulation completion: %w", err)
	}

	if ok {
		w.onSimTerminal(ctx, task.JobID)
	}

	if w.opts.Progress != nil {
		_ = w.opts.Progress.UpdateSimProgress(ctx, progress.SimProgress{
			JobID: task.JobID, SimID: task.SimID, GamesPlayed: task.GamesToPlay, GamesTotal: task.GamesToPlay,
		})
	}

	return nil
}

func (w *Worker) failSim(ctx context.Context, task broker.SimulationTask, msg string, durationMs ...int64) error {
	var dur int64
	if len(durationMs) > 0 {
		dur = durationMs[0]
	}
	_, err := w.opts.Store.ConditionalUpdateSimulationStatus(ctx, task.JobID, task.SimID,
		[]model.SimState{model.SimRunning},
		model.SimulationPatch{
			State:        statePtr(model.SimFailed),
			ErrorMessage: strPtr(msg),
			CompletedAt:  timePtr(time.Now()),
			DurationMs:   int64Ptr(dur),
		})
	if err != nil {
		return fmt.Errorf("record simulation failure: %w", err)
	}
	return nil
}

func (w *Worker) onSimTerminal(ctx context.Context, jobID string) {
	completed, total, err := w.opts.Store.IncrementCompletedSimCount(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to increment completed simulation count")
		return
	}
	if w.opts.Progress != nil {
		_ = w.opts.Progress.UpdateJobProgress(ctx, progress.JobProgress{
			JobID: jobID, CompletedSimCount: completed, TotalSimCount: total,
		})
	}
	if completed >= total {
		if err := w.opts.Store.SetNeedsAggregation(ctx, jobID, true); err != nil {
			log.Error().Err(err).Str("jobID", jobID).Msg("failed to set needsAggregation")
		}
		if w.opts.Aggregator != nil {
			if err := w.opts.Aggregator.Aggregate(ctx, jobID); err != nil {
				log.Error().Err(err).Str("jobID", jobID).Msg("aggregation failed")
			}
		}
	}
}

func (w *Worker) trackSim(jobID, simID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[simID] = activeSim{jobID: jobID}
}

func (w *Worker) untrackSim(jobID, simID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, simID)
}

func (w *Worker) registerCancel(simID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.active[simID]; ok {
		s.cancel = cancel
		w.active[simID] = s
	}
}

func (w *Worker) deregisterCancel(simID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.active[simID]; ok {
		s.cancel = nil
		w.active[simID] = s
	}
}

// CancelJob cancels every in-flight simulation belonging to jobID (spec §4.E.4).
func (w *Worker) CancelJob(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.active {
		if s.jobID == jobID && s.cancel != nil {
			s.cancel()
		}
	}
}

// runHeartbeat writes a heartbeat row every HeartbeatIntervalS seconds, ±5s
// jitter (spec §4.E.3), until ctx is cancelled.
func (w *Worker) runHeartbeat(ctx context.Context) {
	w.writeHeartbeat(ctx)
	for {
		jitter := time.Duration(rand.Intn(11)-5) * time.Second
		wait := time.Duration(w.opts.HeartbeatIntervalS)*time.Second + jitter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			w.writeHeartbeat(ctx)
		}
	}
}

func (w *Worker) writeHeartbeat(ctx context.Context) {
	w.mu.Lock()
	activeCount := len(w.active)
	status := model.WorkerIdle
	var currentJobID string
	if activeCount > 0 {
		status = model.WorkerBusy
		for _, s := range w.active {
			currentJobID = s.jobID
			break
		}
	}
	w.mu.Unlock()

	err := w.opts.Store.UpsertWorkerHeartbeat(ctx, model.WorkerInfo{
		WorkerID:          w.opts.WorkerID,
		WorkerName:        w.opts.WorkerName,
		Status:            status,
		CurrentJobID:      currentJobID,
		Capacity:          w.opts.Capacity,
		ActiveSimulations: activeCount,
		UptimeMs:          time.Since(w.startedAt).Milliseconds(),
		LastHeartbeat:     time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("workerID", w.opts.WorkerID).Msg("failed to write worker heartbeat")
	}
}

func statePtr(s model.SimState) *model.SimState      { return &s }
func statePtrJob(s model.JobStatus) *model.JobStatus { return &s }
func strPtr(s string) *string                        { return &s }
func timePtr(t time.Time) *time.Time                 { return &t }
func int64Ptr(v int64) *int64                        { return &v }
