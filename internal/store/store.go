// Package store defines the persistence contract of spec §4.A. Two backends
// (embedded SQL and a managed document database) implement the identical Store
// interface; the dispatcher, worker runtime, recovery engine and aggregator all code
// against this interface only, never against a concrete backend.
package store

import (
	"context"
	"time"

	"simbatch/internal/model"
)

// CreateJobParams are the inputs to CreateJob.
type CreateJobParams struct {
	Decks          [4]model.Deck
	Simulations    int
	Parallelism    int
	CreatedBy      string
	IdempotencyKey string
}

// JobPatch is a partial update to a Job's runtime fields, analogous to
// model.SimulationPatch.
type JobPatch struct {
	Status               *model.JobStatus
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ClaimedAt            *time.Time
	WorkerID             *string
	WorkerName           *string
	ErrorMessage         *string
	DockerRunDurationsMs []int64
	Results              *model.JobResults
}

// ListJobsFilter narrows listJobs/listActiveJobs queries.
type ListJobsFilter struct {
	UserID string
	Limit  int
}

// Store is the full persistence contract. Every method is safe for concurrent use
// by multiple worker and control-plane processes against the same backing store.
type Store interface {
	// CreateJob inserts a job row. The IdempotencyKey, if set, is stored on the job
	// row itself under a unique index; no separate idempotency-key row is written.
	// If IdempotencyKey collides with an existing job, the existing job is returned
	// unchanged (spec §4.A, invariant 7).
	CreateJob(ctx context.Context, p CreateJobParams) (*model.Job, error)

	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]*model.Job, error)
	ListActiveJobs(ctx context.Context) ([]*model.Job, error)

	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus) error
	SetJobStartedAt(ctx context.Context, id, workerID, workerName string) error
	SetJobCompleted(ctx context.Context, id string, dockerRunDurationsMs []int64, results model.JobResults) error
	SetJobFailed(ctx context.Context, id, msg string, dockerRunDurationsMs []int64) error
	SetJobResults(ctx context.Context, id string, results model.JobResults) error

	// ConditionalUpdateJobStatus applies patch atomically iff the job's current
	// status is in expected. Returns false (not an error) when the precondition did
	// not hold.
	ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, target model.JobStatus, patch JobPatch) (bool, error)

	// CancelJob transitions a QUEUED or RUNNING job to CANCELLED and cascades
	// PENDING/RUNNING simulations to CANCELLED, atomically. Returns false if the
	// job was not in a cancellable state.
	CancelJob(ctx context.Context, id string) (bool, error)

	DeleteJob(ctx context.Context, id string) error
	DeleteSimulations(ctx context.Context, jobID string) error

	// ClaimNextJob is used by the no-broker polling backend: it atomically claims
	// the oldest QUEUED job and transitions it to RUNNING.
	ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error)

	// InitializeSimulations inserts sim_000..sim_{count-1} in PENDING state.
	// Calling it twice for the same job is a no-op on rows that already exist.
	InitializeSimulations(ctx context.Context, jobID string, count int) error

	UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error

	// ConditionalUpdateSimulationStatus applies patch atomically iff the
	// simulation's current state is in expected.
	ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimState, patch model.SimulationPatch) (bool, error)

	// IncrementCompletedSimCount atomically bumps Job.CompletedSimCount and
	// returns the post-increment (completed, total) pair.
	IncrementCompletedSimCount(ctx context.Context, jobID string) (completed, total int, err error)

	SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error

	// ResetJobForRetry resets a job back to QUEUED and clears its runtime fields,
	// incrementing RetryCount. Returns false if the job was not in a resettable
	// state (only FAILED jobs may be retried).
	ResetJobForRetry(ctx context.Context, id string) (bool, error)

	GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error)
	GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error)

	// UpsertWorkerHeartbeat merges a partial heartbeat update, preserving
	// per-worker overrides (spec §5 "Heartbeat rows are merged").
	UpsertWorkerHeartbeat(ctx context.Context, info model.WorkerInfo) error
	ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error)

	GetDeckRating(ctx context.Context, deckID string) (*model.DeckRating, error)
	PutDeckRating(ctx context.Context, rating model.DeckRating) error

	// HasMatchResults reports whether any MatchResult exists for jobID, the
	// idempotency guard for the TrueSkill update (spec invariant 8).
	HasMatchResults(ctx context.Context, jobID string) (bool, error)
	PutMatchResults(ctx context.Context, results []model.MatchResult) error

	Health(ctx context.Context) error
	Close() error
}
