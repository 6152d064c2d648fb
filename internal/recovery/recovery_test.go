package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"simbatch/internal/broker"
	"simbatch/internal/model"
	"simbatch/internal/store"
	"simbatch/internal/store/sqlstore"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []broker.SimulationTask
}

func (f *fakeBroker) PublishSimulationTask(ctx context.Context, task broker.SimulationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, task)
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, consumerTag string) (<-chan broker.Delivery, error) {
	ch := make(chan broker.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeBroker) Health(ctx context.Context) error { return nil }
func (f *fakeBroker) Close() error                     { return nil }

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeAggregator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAggregator) Aggregate(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return nil
}

func (f *fakeAggregator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkJob(t *testing.T, ctx context.Context, st store.Store) *model.Job {
	t.Helper()
	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))
	return job
}

func TestRecoverStuckPendingRepublishesTask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := mkJob(t, ctx, st)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	fb := &fakeBroker{}
	eng := New(Options{
		Store:           st,
		Broker:          fb,
		StuckPending:    1 * time.Millisecond,
		RequeueCooldown: time.Hour,
	})

	time.Sleep(5 * time.Millisecond)
	eng.RunOnce(ctx)

	require.Equal(t, 1, fb.count(), "the job's single PENDING sim should have been republished")

	// Second pass within the cooldown window must not republish again.
	eng.RunOnce(ctx)
	require.Equal(t, 1, fb.count())
}

func TestRecoverRunningSimTimesOut(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := mkJob(t, ctx, st)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	sims, err := st.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sims)
	simID := sims[0].SimID

	startedAt := time.Now()
	require.NoError(t, st.UpdateSimulationStatus(ctx, job.ID, simID, model.SimulationPatch{
		State:     statePtrForTest(model.SimRunning),
		WorkerID:  strPtrForTest("w1"),
		StartedAt: &startedAt,
	}))

	eng := New(Options{
		Store:           st,
		StuckRunning:    1 * time.Millisecond,
		RequeueCooldown: time.Hour,
	})

	time.Sleep(5 * time.Millisecond)
	eng.RunOnce(ctx)

	sim, err := st.GetSimulationStatus(ctx, job.ID, simID)
	require.NoError(t, err)
	require.Equal(t, model.SimFailed, sim.State)
}

func TestRecoverRunningSimFailsWhenWorkerInactive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := mkJob(t, ctx, st)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	sims, err := st.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	simID := sims[0].SimID

	startedAt := time.Now()
	require.NoError(t, st.UpdateSimulationStatus(ctx, job.ID, simID, model.SimulationPatch{
		State:     statePtrForTest(model.SimRunning),
		WorkerID:  strPtrForTest("dead-worker"),
		StartedAt: &startedAt,
	}))

	eng := New(Options{
		Store:           st,
		StuckRunning:    time.Hour,
		RequeueCooldown: time.Hour,
	})

	eng.RunOnce(ctx)

	sim, err := st.GetSimulationStatus(ctx, job.ID, simID)
	require.NoError(t, err)
	require.Equal(t, model.SimFailed, sim.State)
}

func TestRecoverFailedSimResetsAndRepublishesWhenWorkerActive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := mkJob(t, ctx, st)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))
	require.NoError(t, st.UpsertWorkerHeartbeat(ctx, model.WorkerInfo{WorkerID: "w1", Status: model.WorkerIdle, LastHeartbeat: time.Now()}))

	sims, err := st.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	simID := sims[0].SimID

	require.NoError(t, st.UpdateSimulationStatus(ctx, job.ID, simID, model.SimulationPatch{
		State: statePtrForTest(model.SimFailed),
	}))

	fb := &fakeBroker{}
	eng := New(Options{Store: st, Broker: fb, RequeueCooldown: time.Hour})
	eng.RunOnce(ctx)

	sim, err := st.GetSimulationStatus(ctx, job.ID, simID)
	require.NoError(t, err)
	require.Equal(t, model.SimPending, sim.State)
	require.Equal(t, 1, fb.count())
}

func TestRecoverJobTriggersAggregationWhenAllSimsTerminal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := mkJob(t, ctx, st)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	sims, err := st.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	for _, s := range sims {
		require.NoError(t, st.UpdateSimulationStatus(ctx, job.ID, s.SimID, model.SimulationPatch{
			State: statePtrForTest(model.SimCompleted),
		}))
	}

	agg := &fakeAggregator{}
	eng := New(Options{Store: st, Aggregator: agg})
	eng.RunOnce(ctx)

	require.Equal(t, 1, agg.callCount())
}

func TestRecoverJobReturnsNotFoundForUnknownJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	eng := New(Options{Store: st})

	err := eng.RecoverJob(ctx, "does-not-exist")
	require.Error(t, err)
}

func statePtrForTest(s model.SimState) *model.SimState { return &s }
func strPtrForTest(s string) *string                   { return &s }
