// Package containerrunner defines the container execution contract of spec §4.F:
// spawn one container per simulation, enforce CPU/memory limits and a hard
// timeout, support cooperative cancellation, and capture stdout as the raw game
// log.
package containerrunner

import "context"

// RunRequest describes one simulation's container invocation.
type RunRequest struct {
	JobID       string
	SimID       string
	Index       int
	Decks       [4]DeckInput
	GamesToPlay int
	TimeoutMs   int64
	CPUs        int
	MemoryMB    int
}

// DeckInput is the deck content passed into the container's environment, already
// resolved by the time it reaches the runner.
type DeckInput struct {
	ID      string
	Name    string
	Content string
}

// RunResult is the outcome of one container run.
type RunResult struct {
	SimID      string
	Index      int
	ExitCode   int
	DurationMs int64
	LogText    string
	TimedOut   bool
	Cancelled  bool
	// AlreadyRunning is set when a container with this simulation's deterministic
	// name was already running at call time (spec §4.F: a duplicate task
	// delivery for a sim already in flight). Callers should ack the delivery
	// without touching simulation state.
	AlreadyRunning bool
	Err            error
}

// Runner spawns and supervises simulation containers.
type Runner interface {
	// Run blocks until the container exits, the hard timeout fires (SIGTERM then
	// force-remove), or ctx is cancelled (force-remove, RunResult.Cancelled=true,
	// exit code 137).
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// Prune removes any leftover simulation containers from a previous process
	// instance (spec §4.F startup housekeeping), identified by the deterministic
	// naming scheme the implementation uses.
	Prune(ctx context.Context) error
}
