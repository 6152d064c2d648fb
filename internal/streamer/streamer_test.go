package streamer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"simbatch/internal/model"
	"simbatch/internal/store"
	"simbatch/internal/store/sqlstore"
)

type recordingSink struct {
	mu          sync.Mutex
	jobEvents   []JobSnapshot
	simsEvents  []SimulationsSnapshot
}

func (r *recordingSink) SendJob(j JobSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents = append(r.jobEvents, j)
	return nil
}

func (r *recordingSink) SendSimulations(s SimulationsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simsEvents = append(r.simsEvents, s)
	return nil
}

func (r *recordingSink) jobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobEvents)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamEmitsInitialSnapshotAndClosesOnTerminal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	s := New(Options{Store: st, PollInterval: 20 * time.Millisecond, RecoveryInterval: time.Hour})
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() { done <- s.Stream(ctx, job.ID, sink) }()

	// Give the poll loop a moment to pick up the change, then complete the job.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, st.SetJobCompleted(ctx, job.ID, nil, model.JobResults{GamesCompleted: 4}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not close after job reached a terminal state")
	}

	require.GreaterOrEqual(t, sink.jobCount(), 2)
}

func TestStreamClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	s := New(Options{Store: st, PollInterval: 20 * time.Millisecond, RecoveryInterval: time.Hour})
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() { done <- s.Stream(ctx, job.ID, sink) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not close after observer disconnect")
	}
}
