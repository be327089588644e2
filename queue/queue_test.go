package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/taskqueue/store"
)

func noopProcess(ctx context.Context, data map[string]interface{}, task *TaskHandle) {}

func TestNewQueue_RejectsInvalidArguments(t *testing.T) {
	a := store.NewMemoryAdapter()

	_, err := NewQueue(nil, "tasks", "specs", Config{}, noopProcess)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewQueue(a, "", "specs", Config{}, noopProcess)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewQueue(a, "tasks", "", Config{SpecID: "job"}, noopProcess)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewQueue(a, "tasks", "specs", Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewQueue(a, "tasks", "specs", Config{NumWorkers: 0, NumWorkersSet: true}, noopProcess)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewQueue(a, "tasks", "specs", Config{NumWorkers: -1, NumWorkersSet: true}, noopProcess)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewQueue_NoSpecIDAppliesDefaultSpecImmediately(t *testing.T) {
	a := store.NewMemoryAdapter()
	defer a.Close()

	q, err := NewQueue(a, "tasks", "specs", Config{NumWorkers: 3, NumWorkersSet: true}, noopProcess)
	require.NoError(t, err)

	select {
	case <-q.Initialized():
	case <-time.After(time.Second):
		t.Fatal("queue never initialized")
	}

	assert.Equal(t, 3, q.GetWorkerCount())
	for _, w := range q.workers {
		require.NotNil(t, w.spec)
		assert.Equal(t, defaultInProgressState, w.spec.InProgressState)
	}
}

func TestNewQueue_SpecIDSubscribesAndReprogramsWorkers(t *testing.T) {
	a := store.NewMemoryAdapter()
	defer a.Close()

	_, _, err := a.Transaction(context.Background(), "specs", "job", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{
			"in_progress_state": "working",
			"finished_state":    "done",
		}, nil
	})
	require.NoError(t, err)

	q, err := NewQueue(a, "tasks", "specs", Config{SpecID: "job", NumWorkers: 2, NumWorkersSet: true}, noopProcess)
	require.NoError(t, err)

	select {
	case <-q.Initialized():
	case <-time.After(time.Second):
		t.Fatal("queue never initialized")
	}

	for _, w := range q.workers {
		require.NotNil(t, w.spec)
		assert.Equal(t, "working", w.spec.InProgressState)
		assert.Equal(t, "done", *w.spec.FinishedState)
	}
}

func TestQueue_AddAndShutdownWorker(t *testing.T) {
	a := store.NewMemoryAdapter()
	defer a.Close()

	q, err := NewQueue(a, "tasks", "specs", Config{NumWorkers: 1, NumWorkersSet: true}, noopProcess)
	require.NoError(t, err)
	<-q.Initialized()

	_, err = q.AddWorker()
	require.NoError(t, err)
	assert.Equal(t, 2, q.GetWorkerCount())

	done := q.ShutdownWorker()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker shutdown never resolved")
	}
	assert.Equal(t, 1, q.GetWorkerCount())
}

func TestQueue_ShutdownWorkerOnEmptyQueueReturnsNil(t *testing.T) {
	a := store.NewMemoryAdapter()
	defer a.Close()

	q, err := NewQueue(a, "tasks", "specs", Config{NumWorkers: 1, NumWorkersSet: true}, noopProcess)
	require.NoError(t, err)
	<-q.Initialized()

	require.NotNil(t, q.ShutdownWorker())
	assert.Nil(t, q.ShutdownWorker())
}

func TestQueue_ShutdownAwaitsAllWorkers(t *testing.T) {
	a := store.NewMemoryAdapter()
	defer a.Close()

	q, err := NewQueue(a, "tasks", "specs", Config{NumWorkers: 4, NumWorkersSet: true}, noopProcess)
	require.NoError(t, err)
	<-q.Initialized()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	assert.Equal(t, 4, q.GetWorkerCount())
}
