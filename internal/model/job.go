// Package model defines the job/simulation state model shared by every component of
// the dispatch engine: the store, the dispatcher, the worker runtime, the recovery
// engine, the aggregator and the progress streamer all operate on these same types.
package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// jobTransitions encodes the job state machine of spec §6: QUEUED -> {RUNNING, FAILED,
// CANCELLED}, RUNNING -> {COMPLETED, FAILED, CANCELLED}, FAILED -> {QUEUED} (retry
// only), COMPLETED/CANCELLED terminal.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued:    {JobRunning: true, JobFailed: true, JobCancelled: true},
	JobRunning:   {JobCompleted: true, JobFailed: true, JobCancelled: true},
	JobFailed:    {JobQueued: true},
	JobCompleted: {},
	JobCancelled: {},
}

// CanTransitionJob reports whether from -> to is a legal edge in the job state
// machine. It does not consult any store; callers still need a conditional write to
// win the race against concurrent transitions.
func CanTransitionJob(from, to JobStatus) bool {
	edges, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsJobTerminal reports whether status has no outgoing edges (COMPLETED, CANCELLED).
func IsJobTerminal(status JobStatus) bool {
	return status == JobCompleted || status == JobCancelled
}

// Deck is one of the four decks participating in a Job, resolved to content by the
// time the job is created (deck lookup itself is an external collaborator, see
// internal/external).
type Deck struct {
	ID      string `json:"id,omitempty" bson:"id,omitempty"`
	Name    string `json:"name" bson:"name"`
	Content string `json:"content" bson:"content"`
}

// Job is a user request for N games between four decks, fanned out across
// ceil(N/K) containers.
type Job struct {
	ID             string    `json:"id" bson:"_id"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt"`
	CreatedBy      string    `json:"createdBy" bson:"createdBy"`
	Decks          [4]Deck   `json:"decks" bson:"decks"`
	Simulations    int       `json:"simulations" bson:"simulations"`
	Parallelism    int       `json:"parallelism" bson:"parallelism"`
	Status         JobStatus `json:"status" bson:"status"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty" bson:"idempotencyKey,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty" bson:"claimedAt,omitempty"`

	WorkerID   string `json:"workerId,omitempty" bson:"workerId,omitempty"`
	WorkerName string `json:"workerName,omitempty" bson:"workerName,omitempty"`

	RetryCount int `json:"retryCount" bson:"retryCount"`

	CompletedSimCount int `json:"completedSimCount" bson:"completedSimCount"`
	TotalSimCount     int `json:"totalSimCount" bson:"totalSimCount"`

	NeedsAggregation bool `json:"needsAggregation" bson:"needsAggregation"`

	DockerRunDurationsMs []int64     `json:"dockerRunDurationsMs,omitempty" bson:"dockerRunDurationsMs,omitempty"`
	ErrorMessage         string      `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	Results              *JobResults `json:"results,omitempty" bson:"results,omitempty"`
}

// JobResults is the final aggregate artifact produced by the aggregator.
type JobResults struct {
	GamesCompleted      int               `json:"gamesCompleted" bson:"gamesCompleted"`
	AnalysisArtifactURL string            `json:"analysisArtifactUrl,omitempty" bson:"analysisArtifactUrl,omitempty"`
	DeckWins            map[string]int    `json:"deckWins,omitempty" bson:"deckWins,omitempty"`
	Extra               map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`
}

// GamesPerContainer (K) is the games-per-container constant shared by the
// dispatcher, worker and aggregator. It must be identical across all three — spec §3
// invariant 2 and the glossary both call this out explicitly.
const GamesPerContainer = 4

// TotalSimCount computes ceil(simulations / K).
func TotalSimCount(simulations int) int {
	if simulations <= 0 {
		return 0
	}
	return (simulations + GamesPerContainer - 1) / GamesPerContainer
}
