package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"simbatch/internal/model"
	"simbatch/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateJobAndGetJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 10,
		Parallelism: 2,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, 3, job.TotalSimCount)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, "user-1", got.CreatedBy)
	require.Equal(t, "a", got.Decks[0].Name)
}

func TestCreateJobIdempotencyCollision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	params := store.CreateJobParams{Simulations: 4, Parallelism: 1, IdempotencyKey: "req-123"}
	first, err := s.CreateJob(ctx, params)
	require.NoError(t, err)

	second, err := s.CreateJob(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestConditionalUpdateJobStatusNoOpOnMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)

	ok, err := s.ConditionalUpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobRunning}, model.JobCompleted, store.JobPatch{})
	require.NoError(t, err)
	require.False(t, ok, "precondition RUNNING should not match a QUEUED job")

	ok, err = s.ConditionalUpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobQueued}, model.JobRunning, store.JobPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, got.Status)
}

func TestCancelJobCascadesToSimulations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 8, Parallelism: 2})
	require.NoError(t, err)
	require.NoError(t, s.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	ok, err := s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	sims, err := s.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	for _, sim := range sims {
		require.Equal(t, model.SimCancelled, sim.State)
	}

	ok, err = s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok, "cancelling an already-cancelled job is a no-op")
}

func TestClaimNextJobFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)
	second, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)

	first, err := s.ClaimNextJob(ctx, "worker-1", "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, model.JobRunning, first.Status)

	claimed, err := s.ClaimNextJob(ctx, "worker-1", "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, second.ID, claimed.ID)

	none, err := s.ClaimNextJob(ctx, "worker-1", "w1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestInitializeSimulationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 9, Parallelism: 1})
	require.NoError(t, err)
	require.NoError(t, s.InitializeSimulations(ctx, job.ID, job.TotalSimCount))
	require.NoError(t, s.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	sims, err := s.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, sims, job.TotalSimCount)
	for i, sim := range sims {
		require.Equal(t, model.FormatSimID(i), sim.SimID)
		require.Equal(t, model.SimPending, sim.State)
	}
}

func TestConditionalUpdateSimulationStatusAndIncrementCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)
	require.NoError(t, s.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	simID := model.FormatSimID(0)
	running := model.SimRunning
	ok, err := s.ConditionalUpdateSimulationStatus(ctx, job.ID, simID,
		[]model.SimState{model.SimPending}, model.SimulationPatch{State: &running})
	require.NoError(t, err)
	require.True(t, ok)

	completed := model.SimCompleted
	ok, err = s.ConditionalUpdateSimulationStatus(ctx, job.ID, simID,
		[]model.SimState{model.SimRunning}, model.SimulationPatch{State: &completed, Winners: []string{"deck-a"}})
	require.NoError(t, err)
	require.True(t, ok)

	completedCount, total, err := s.IncrementCompletedSimCount(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, completedCount)
	require.Equal(t, job.TotalSimCount, total)

	sim, err := s.GetSimulationStatus(ctx, job.ID, simID)
	require.NoError(t, err)
	require.Equal(t, "deck-a", sim.Winner)
}

func TestConditionalUpdateSimulationStatusLegacySingularWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)
	require.NoError(t, s.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	simID := model.FormatSimID(0)
	running := model.SimRunning
	ok, err := s.ConditionalUpdateSimulationStatus(ctx, job.ID, simID,
		[]model.SimState{model.SimPending}, model.SimulationPatch{State: &running})
	require.NoError(t, err)
	require.True(t, ok)

	completed := model.SimCompleted
	winner := "deck-b"
	turn := 12
	ok, err = s.ConditionalUpdateSimulationStatus(ctx, job.ID, simID,
		[]model.SimState{model.SimRunning},
		model.SimulationPatch{State: &completed, Winner: &winner, WinningTurn: &turn})
	require.NoError(t, err)
	require.True(t, ok)

	sim, err := s.GetSimulationStatus(ctx, job.ID, simID)
	require.NoError(t, err)
	require.Equal(t, "deck-b", sim.Winner)
	require.Equal(t, 12, sim.WinningTurn)
	require.Equal(t, []string{"deck-b"}, sim.Winners)
	require.Equal(t, []int{12}, sim.WinningTurns)
}

func TestResetJobForRetryOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.CreateJob(ctx, store.CreateJobParams{Simulations: 4, Parallelism: 1})
	require.NoError(t, err)

	ok, err := s.ResetJobForRetry(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok, "a QUEUED job is not resettable")

	require.NoError(t, s.SetJobFailed(ctx, job.ID, "boom", nil))
	ok, err = s.ResetJobForRetry(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestWorkerHeartbeatMergesOverride(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertWorkerHeartbeat(ctx, model.WorkerInfo{WorkerID: "w1", Status: model.WorkerIdle, LastHeartbeat: time.Now()}))
	override := 3
	require.NoError(t, s.UpsertWorkerHeartbeat(ctx, model.WorkerInfo{WorkerID: "w1", Status: model.WorkerBusy, MaxConcurrentOverride: &override, LastHeartbeat: time.Now()}))
	require.NoError(t, s.UpsertWorkerHeartbeat(ctx, model.WorkerInfo{WorkerID: "w1", Status: model.WorkerIdle, LastHeartbeat: time.Now()}))

	workers, err := s.ListActiveWorkers(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.NotNil(t, workers[0].MaxConcurrentOverride)
	require.Equal(t, 3, *workers[0].MaxConcurrentOverride)
}

func TestHasMatchResultsGuardsAggregation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.HasMatchResults(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.PutMatchResults(ctx, []model.MatchResult{{
		ID:           model.MatchResultID("job-1", 0),
		JobID:        "job-1",
		GameIndex:    0,
		WinnerDeckID: "deck-a",
		PlayedAt:     time.Now(),
	}}))

	has, err = s.HasMatchResults(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, has)

	// Re-inserting the same ID is a no-op, preserving the idempotency guard.
	require.NoError(t, s.PutMatchResults(ctx, []model.MatchResult{{
		ID:        model.MatchResultID("job-1", 0),
		JobID:     "job-1",
		GameIndex: 0,
		PlayedAt:  time.Now(),
	}}))
}
