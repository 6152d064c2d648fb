package model

import (
	"fmt"
	"time"
)

// SimState is the lifecycle state of a Simulation.
type SimState string

const (
	SimPending   SimState = "PENDING"
	SimRunning   SimState = "RUNNING"
	SimCompleted SimState = "COMPLETED"
	SimFailed    SimState = "FAILED"
	SimCancelled SimState = "CANCELLED"
)

// simTransitions encodes spec §6: PENDING -> {RUNNING, CANCELLED}, RUNNING ->
// {COMPLETED, FAILED, CANCELLED}, FAILED -> {PENDING} (retry only), COMPLETED/
// CANCELLED terminal.
var simTransitions = map[SimState]map[SimState]bool{
	SimPending:   {SimRunning: true, SimCancelled: true},
	SimRunning:   {SimCompleted: true, SimFailed: true, SimCancelled: true},
	SimFailed:    {SimPending: true},
	SimCompleted: {},
	SimCancelled: {},
}

// CanTransitionSim reports whether from -> to is a legal edge in the simulation
// state machine.
func CanTransitionSim(from, to SimState) bool {
	edges, ok := simTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsSimTerminal reports whether state has no outgoing edges (COMPLETED, CANCELLED).
// FAILED is terminal-but-retryable, so it is deliberately excluded here.
func IsSimTerminal(state SimState) bool {
	return state == SimCompleted || state == SimCancelled
}

// FormatSimID renders the zero-padded, dense simulation identifier for a 0-based
// index: sim_000, sim_001, ...
func FormatSimID(index int) string {
	return fmt.Sprintf("sim_%03d", index)
}

// Simulation is one container's worth of games (K games by default), a child row of
// a Job keyed by (jobID, simID).
type Simulation struct {
	JobID string   `json:"jobId" bson:"jobId"`
	SimID string   `json:"simId" bson:"_id"`
	Index int      `json:"index" bson:"index"`
	State SimState `json:"state" bson:"state"`

	WorkerID   string `json:"workerId,omitempty" bson:"workerId,omitempty"`
	WorkerName string `json:"workerName,omitempty" bson:"workerName,omitempty"`

	StartedAt    *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	DurationMs   *int64     `json:"durationMs,omitempty" bson:"durationMs,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`

	Winners      []string `json:"winners,omitempty" bson:"winners,omitempty"`
	WinningTurns []int    `json:"winningTurns,omitempty" bson:"winningTurns,omitempty"`

	// Legacy singular fields, retained for back-compat with callers that only ever
	// dealt with one game per container.
	Winner      string `json:"winner,omitempty" bson:"winner,omitempty"`
	WinningTurn int    `json:"winningTurn,omitempty" bson:"winningTurn,omitempty"`
}

// SimulationPatch is a partial update applied through a conditional write. Each
// field is applied iff it is non-nil; nil fields are left untouched by store
// implementations, which is why scalars are carried as pointers (e.g. DurationMs
// of 0 is a valid duration that can still be set).
type SimulationPatch struct {
	State        *SimState
	WorkerID     *string
	WorkerName   *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   *int64
	ErrorMessage *string
	Winners      []string
	WinningTurns []int
	Winner       *string
	WinningTurn  *int
}

// Apply mutates sim in place with the non-nil fields of p.
func (p SimulationPatch) Apply(sim *Simulation) {
	if p.State != nil {
		sim.State = *p.State
	}
	if p.WorkerID != nil {
		sim.WorkerID = *p.WorkerID
	}
	if p.WorkerName != nil {
		sim.WorkerName = *p.WorkerName
	}
	if p.StartedAt != nil {
		sim.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		sim.CompletedAt = p.CompletedAt
	}
	if p.DurationMs != nil {
		sim.DurationMs = p.DurationMs
	}
	if p.ErrorMessage != nil {
		sim.ErrorMessage = *p.ErrorMessage
	}
	if p.Winners != nil {
		sim.Winners = p.Winners
		if len(p.Winners) > 0 {
			sim.Winner = p.Winners[0]
		}
	}
	if p.WinningTurns != nil {
		sim.WinningTurns = p.WinningTurns
		if len(p.WinningTurns) > 0 {
			sim.WinningTurn = p.WinningTurns[0]
		}
	}
	if p.Winner != nil {
		sim.Winner = *p.Winner
	}
	if p.WinningTurn != nil {
		sim.WinningTurn = *p.WinningTurn
	}
}
