package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &redisStore{client: client, prefix: "simbatch", ttl: time.Minute}
}

func TestUpdateAndGetJobProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpdateJobProgress(ctx, JobProgress{JobID: "job-1", CompletedSimCount: 2, TotalSimCount: 5}))

	got, err := s.GetJobProgress(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, got.CompletedSimCount)
	require.Equal(t, 5, got.TotalSimCount)
}

func TestGetJobProgressMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetJobProgress(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteJobProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpdateJobProgress(ctx, JobProgress{JobID: "job-1", TotalSimCount: 1}))
	require.NoError(t, s.DeleteJobProgress(ctx, "job-1"))

	got, err := s.GetJobProgress(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSubscribeChangesReceivesNotificationOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	changes, unsubscribe, err := s.SubscribeChanges(ctx, "job-1")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.UpdateJobProgress(ctx, JobProgress{JobID: "job-1", CompletedSimCount: 1, TotalSimCount: 5}))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive change notification after UpdateJobProgress")
	}
}

func TestSubscribeChangesIgnoresOtherJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	changes, unsubscribe, err := s.SubscribeChanges(ctx, "job-1")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.UpdateJobProgress(ctx, JobProgress{JobID: "job-2", TotalSimCount: 5}))

	select {
	case <-changes:
		t.Fatal("received a notification meant for a different job")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeChangesChannelClosesOnUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	changes, unsubscribe, err := s.SubscribeChanges(ctx, "job-1")
	require.NoError(t, err)
	unsubscribe()

	select {
	case _, ok := <-changes:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after unsubscribe")
	}
}
