// Package streamer implements the live progress stream of spec §4.I: given a
// job id, produce a sequence of job/simulations snapshots to an observer until
// the job reaches a terminal state or the observer disconnects. Two backends —
// push (subscribe to progress.Store change notifications) and poll (snapshot
// every 2s, diff against the last-emitted serialization) — are selected at
// construction per spec §9's "variant tags chosen at construction; no runtime
// branching inside the core logic" rule. Grounded on the teacher's general
// "background goroutine driven by a ticker, emits until a terminal condition"
// shape used throughout internal/orchestrator and internal/processor.
package streamer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/store"
)

// Recoverer is invoked once on stream open and then every RecoveryInterval
// while the stream stays open (spec §4.I: "Recovery is invoked once on open for
// non-terminal jobs and every 30s while open").
type Recoverer interface {
	RecoverJob(ctx context.Context, jobID string) error
}

// JobSnapshot is the stable job projection emitted as the default SSE event
// (spec §4.I).
type JobSnapshot struct {
	ID                string            `json:"id"`
	DeckNames         [4]string         `json:"deckNames"`
	Status            model.JobStatus   `json:"status"`
	Simulations       int               `json:"simulations"`
	GamesCompleted    int               `json:"gamesCompleted"`
	Parallelism       int               `json:"parallelism"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	DurationMs        *int64            `json:"durationMs,omitempty"`
	WorkerID          string            `json:"workerId,omitempty"`
	WorkerName        string            `json:"workerName,omitempty"`
	RetryCount        int               `json:"retryCount"`
	Results           *model.JobResults `json:"results,omitempty"`
	QueuePosition     *int              `json:"queuePosition,omitempty"`
	DeckLinks         []string          `json:"deckLinks,omitempty"`
}

// SimulationsSnapshot is the "simulations" named SSE event: the full simulation
// row list, ordered by index.
type SimulationsSnapshot struct {
	Simulations []*model.Simulation `json:"simulations"`
}

// Sink receives emitted snapshots. The HTTP layer implements this over SSE;
// tests can implement it directly over channels/slices.
type Sink interface {
	SendJob(JobSnapshot) error
	SendSimulations(SimulationsSnapshot) error
}

// Streamer drives progress snapshots for one job id at a time, per Stream call.
type Streamer struct {
	store     store.Store
	progress  progress.Store // nil forces the poll backend
	recoverer Recoverer

	pollInterval    time.Duration
	recoveryInterval time.Duration

	// queuePositionCache is the per-process singleton of spec §4.I: "queuePosition
	// is computed once per snapshot ... cached globally for 10s." It is an
	// explicit field here (constructed with the Streamer), not a package global,
	// per spec §9's hermetic-test rule for singletons.
	cacheMu      sync.Mutex
	cachedAt     time.Time
	cachedCounts map[string]int
}

// Options configures a Streamer.
type Options struct {
	Store            store.Store
	Progress         progress.Store // nil selects the poll-only backend
	Recoverer        Recoverer
	PollInterval     time.Duration
	RecoveryInterval time.Duration
}

func New(opts Options) *Streamer {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	recoveryInterval := opts.RecoveryInterval
	if recoveryInterval <= 0 {
		recoveryInterval = 30 * time.Second
	}
	return &Streamer{
		store:            opts.Store,
		progress:         opts.Progress,
		recoverer:        opts.Recoverer,
		pollInterval:     pollInterval,
		recoveryInterval: recoveryInterval,
		cachedCounts:     make(map[string]int),
	}
}

// Stream blocks, emitting snapshots to sink until jobID reaches a terminal
// status or ctx is cancelled (observer disconnect). It selects the push
// backend when a progress.Store is configured, the poll backend otherwise.
func (s *Streamer) Stream(ctx context.Context, jobID string, sink Sink) error {
	if s.recoverer != nil {
		if job, err := s.store.GetJob(ctx, jobID); err == nil && !model.IsJobTerminal(job.Status) {
			if err := s.recoverer.RecoverJob(ctx, jobID); err != nil {
				log.Warn().Err(err).Str("jobID", jobID).Msg("streamer: initial recovery kick failed")
			}
		}
	}

	var lastJobJSON, lastSimsJSON []byte
	if done, err := s.emitIfChanged(ctx, jobID, sink, &lastJobJSON, &lastSimsJSON); err != nil {
		return err
	} else if done {
		return nil
	}

	if s.progress != nil {
		return s.runPush(ctx, jobID, sink, lastJobJSON, lastSimsJSON)
	}
	return s.runPoll(ctx, jobID, sink, lastJobJSON, lastSimsJSON)
}

func (s *Streamer) runPoll(ctx context.Context, jobID string, sink Sink, lastJobJSON, lastSimsJSON []byte) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	recoverTicker := time.NewTicker(s.recoveryInterval)
	defer recoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recoverTicker.C:
			if s.recoverer != nil {
				if err := s.recoverer.RecoverJob(ctx, jobID); err != nil {
					log.Warn().Err(err).Str("jobID", jobID).Msg("streamer: periodic recovery kick failed")
				}
			}
		case <-ticker.C:
			done, err := s.emitIfChanged(ctx, jobID, sink, &lastJobJSON, &lastSimsJSON)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (s *Streamer) runPush(ctx context.Context, jobID string, sink Sink, lastJobJSON, lastSimsJSON []byte) error {
	changes, unsubscribe, err := s.progress.SubscribeChanges(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("streamer: push subscription failed, falling back to poll")
		return s.runPoll(ctx, jobID, sink, lastJobJSON, lastSimsJSON)
	}
	defer unsubscribe()

	recoverTicker := time.NewTicker(s.recoveryInterval)
	defer recoverTicker.Stop()
	// Keep-alive emission even with no change notifications, per spec §6 "Keep-
	// alive is by periodic state emission".
	keepAlive := time.NewTicker(s.pollInterval * 5)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recoverTicker.C:
			if s.recoverer != nil {
				if err := s.recoverer.RecoverJob(ctx, jobID); err != nil {
					log.Warn().Err(err).Str("jobID", jobID).Msg("streamer: periodic recovery kick failed")
				}
			}
		case _, ok := <-changes:
			if !ok {
				return s.runPoll(ctx, jobID, sink, lastJobJSON, lastSimsJSON)
			}
			done, err := s.emitIfChanged(ctx, jobID, sink, &lastJobJSON, &lastSimsJSON)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-keepAlive.C:
			done, err := s.emitIfChanged(ctx, jobID, sink, &lastJobJSON, &lastSimsJSON)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// emitIfChanged builds the current job/simulations snapshot and emits whatever
// changed since lastJobJSON/lastSimsJSON (always emitting on the first call,
// since those start nil). It returns done=true once the job is terminal.
func (s *Streamer) emitIfChanged(ctx context.Context, jobID string, sink Sink, lastJobJSON, lastSimsJSON *[]byte) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	sims, err := s.store.GetSimulationStatuses(ctx, jobID)
	if err != nil {
		return false, err
	}

	jobSnap := s.buildJobSnapshot(ctx, job, sims)
	simsSnap := SimulationsSnapshot{Simulations: sims}

	jobJSON, _ := json.Marshal(jobSnap)
	simsJSON, _ := json.Marshal(simsSnap)

	if *lastJobJSON == nil || string(jobJSON) != string(*lastJobJSON) {
		if err := sink.SendJob(jobSnap); err != nil {
			return false, err
		}
		*lastJobJSON = jobJSON
	}
	if *lastSimsJSON == nil || string(simsJSON) != string(*lastSimsJSON) {
		if err := sink.SendSimulations(simsSnap); err != nil {
			return false, err
		}
		*lastSimsJSON = simsJSON
	}

	return model.IsJobTerminal(job.Status), nil
}

func (s *Streamer) buildJobSnapshot(ctx context.Context, job *model.Job, sims []*model.Simulation) JobSnapshot {
	completedSims := 0
	for _, sim := range sims {
		if sim.State == model.SimCompleted {
			completedSims++
		}
	}
	gamesCompleted := model.GamesPerContainer * completedSims

	var deckNames [4]string
	var deckLinks []string
	for i, d := range job.Decks {
		deckNames[i] = d.Name
	}

	snap := JobSnapshot{
		ID:             job.ID,
		DeckNames:      deckNames,
		Status:         job.Status,
		Simulations:    job.Simulations,
		GamesCompleted: gamesCompleted,
		Parallelism:    job.Parallelism,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		WorkerID:       job.WorkerID,
		WorkerName:     job.WorkerName,
		RetryCount:     job.RetryCount,
		Results:        job.Results,
		DeckLinks:      deckLinks,
	}

	if len(job.DockerRunDurationsMs) > 0 {
		var total int64
		for _, d := range job.DockerRunDurationsMs {
			total += d
		}
		snap.DurationMs = &total
	}

	if job.Status == model.JobQueued {
		pos := s.queuePosition(ctx, job)
		snap.QueuePosition = &pos
	}

	return snap
}

// queuePosition returns the count of QUEUED jobs created at or before job's
// createdAt, excluding job itself, cached globally for 10s (spec §4.I).
func (s *Streamer) queuePosition(ctx context.Context, job *model.Job) int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if time.Since(s.cachedAt) > 10*time.Second {
		s.cachedCounts = make(map[string]int)
		jobs, err := s.store.ListActiveJobs(ctx)
		if err == nil {
			for _, j := range jobs {
				if j.Status != model.JobQueued {
					continue
				}
				for _, other := range jobs {
					if other.Status != model.JobQueued || other.ID == j.ID {
						continue
					}
					if !other.CreatedAt.After(j.CreatedAt) {
						s.cachedCounts[j.ID]++
					}
				}
			}
		}
		s.cachedAt = time.Now()
	}

	return s.cachedCounts[job.ID]
}
