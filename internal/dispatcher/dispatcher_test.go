package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"simbatch/internal/broker"
	"simbatch/internal/model"
	"simbatch/internal/store/sqlstore"
)

// fakeBroker records published tasks in memory, standing in for rabbit.client
// in tests that never need a real AMQP connection.
type fakeBroker struct {
	mu        sync.Mutex
	published []broker.SimulationTask
	failNext  bool
}

func (f *fakeBroker) PublishSimulationTask(ctx context.Context, task broker.SimulationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
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

func TestSubmitRejectsNonPositiveSimulations(t *testing.T) {
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := New(Options{Store: s})
	_, err = d.Submit(context.Background(), CreateJobRequest{
		DeckRefs:    [4]string{"a", "b", "c", "d"},
		Simulations: 0,
		CreatedBy:   "user-1",
	})
	require.Error(t, err)
}

func TestSubmitCreatesJobAndPublishesOneTaskPerSimulation(t *testing.T) {
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fb := &fakeBroker{}
	d := New(Options{Store: s, Broker: fb, PublishConcurrency: 2, ContainerTimeoutMs: 60000})

	job, err := d.Submit(context.Background(), CreateJobRequest{
		DeckRefs:    [4]string{"a", "b", "c", "d"},
		Simulations: 10,
		Parallelism: 2,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, 3, job.TotalSimCount)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.published, 3)

	total := 0
	for _, task := range fb.published {
		require.Equal(t, job.ID, task.JobID)
		total += task.GamesToPlay
	}
	require.Equal(t, 10, total)
}

func TestSubmitPropagatesPublishFailure(t *testing.T) {
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fb := &fakeBroker{failNext: true}
	d := New(Options{Store: s, Broker: fb})

	_, err = d.Submit(context.Background(), CreateJobRequest{
		DeckRefs:    [4]string{"a", "b", "c", "d"},
		Simulations: 4,
		CreatedBy:   "user-1",
	})
	require.Error(t, err)
}

func TestCancelDelegatesToStore(t *testing.T) {
	s, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := New(Options{Store: s})
	job, err := d.Submit(context.Background(), CreateJobRequest{
		DeckRefs:    [4]string{"a", "b", "c", "d"},
		Simulations: 4,
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	ok, err := d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
}
