package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"simbatch/internal/blobstore/memstore"
	"simbatch/internal/model"
	"simbatch/internal/store"
	"simbatch/internal/store/sqlstore"
	"simbatch/internal/trueskill"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAggregateCompletesJobAndUpdatesRatings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks: [4]model.Deck{
			{ID: "deck-a", Name: "a"},
			{ID: "deck-b", Name: "b"},
			{ID: "deck-c", Name: "c"},
			{ID: "deck-d", Name: "d"},
		},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	sims, err := st.GetSimulationStatuses(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, sims, 1)

	dur := int64(1000)
	require.NoError(t, st.UpdateSimulationStatus(ctx, job.ID, sims[0].SimID, model.SimulationPatch{
		State:      simStatePtr(model.SimCompleted),
		Winners:    []string{"deck-a", "deck-a", "deck-b", "deck-a"},
		DurationMs: &dur,
	}))

	blobs := memstore.New()
	agg := New(Options{Store: st, Blobs: blobs})

	require.NoError(t, agg.Aggregate(ctx, job.ID))

	updated, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, updated.Status)
	require.Equal(t, 4, updated.Results.GamesCompleted)
	require.Equal(t, 3, updated.Results.DeckWins["deck-a"])
	require.Equal(t, 1, updated.Results.DeckWins["deck-b"])

	ratingA, err := st.GetDeckRating(ctx, "deck-a")
	require.NoError(t, err)
	require.Greater(t, ratingA.Mu, trueskill.DefaultMu, "winning deck's rating should have increased")
	require.Equal(t, 4, ratingA.GamesPlayed)
	require.Equal(t, 3, ratingA.Wins)

	ratingC, err := st.GetDeckRating(ctx, "deck-c")
	require.NoError(t, err)
	require.Less(t, ratingC.Mu, trueskill.DefaultMu, "a deck that never won should have its rating decrease")

	exists, err := st.HasMatchResults(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, exists)

	// Idempotent: a second aggregation pass must not error or double-apply.
	require.NoError(t, agg.Aggregate(ctx, job.ID))
	ratingAAgain, err := st.GetDeckRating(ctx, "deck-a")
	require.NoError(t, err)
	require.Equal(t, ratingA.Mu, ratingAAgain.Mu)
}

func TestAggregateNoOpWhenSimulationsStillPending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 8,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobRunning))
	require.NoError(t, st.SetJobStartedAt(ctx, job.ID, "w1", "worker-1"))

	agg := New(Options{Store: st})
	require.NoError(t, agg.Aggregate(ctx, job.ID))

	unchanged, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, unchanged.Status)
}

func TestAggregateUnknownJobIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	agg := New(Options{Store: st})
	require.NoError(t, agg.Aggregate(ctx, "does-not-exist"))
}

func TestAggregatePreservesCancelledStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks:       [4]model.Deck{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	ok, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	agg := New(Options{Store: st})
	require.NoError(t, agg.Aggregate(ctx, job.ID))

	after, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, after.Status)
}

func simStatePtr(s model.SimState) *model.SimState { return &s }
