package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/taskqueue/store"
)

func getRecord(t *testing.T, a *store.MemoryAdapter, key string) interface{} {
	t.Helper()
	_, value, err := a.Transaction(context.Background(), "tasks", key, func(current interface{}) (interface{}, error) {
		return store.Abort, nil
	})
	require.NoError(t, err)
	return value
}

func TestNewWorker_RejectsInvalidArguments(t *testing.T) {
	a := store.NewMemoryAdapter()
	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {}

	_, err := NewWorker(nil, "tasks", "w0", true, false, process)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(a, "", "w0", true, false, process)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(a, "tasks", "", true, false, process)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(a, "tasks", "w0", true, false, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// Scenario 1 (spec.md §8): happy path.
func TestWorker_HappyPath(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	var seen map[string]interface{}
	done := make(chan struct{})
	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		seen = data
		require.NoError(t, task.Resolve(map[string]interface{}{"baz": "qux"}))
		close(done)
	}

	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)
	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress", FinishedState: StringPtr("finished")}))

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task1", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{"foo": "bar"}, nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolve")
	}

	assert.Equal(t, "bar", seen["foo"])

	require.Eventually(t, func() bool {
		m, ok := getRecord(t, adapter, "task1").(map[string]interface{})
		return ok && m["_state"] == "finished"
	}, time.Second, 10*time.Millisecond)

	m := getRecord(t, adapter, "task1").(map[string]interface{})
	assert.EqualValues(t, 100, m["_progress"])
	assert.Equal(t, "qux", m["baz"])
	assert.Nil(t, m["_owner"])
	assert.Nil(t, m["_error_details"])
	assert.NotContains(t, m, "foo")
}

// Scenario 2 (spec.md §8): resolve with no finishedState deletes the record.
func TestWorker_DeleteOnCompletion(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	done := make(chan struct{})
	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		require.NoError(t, task.Resolve(nil))
		close(done)
	}

	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)
	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress"}))

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task2", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{"foo": "bar"}, nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolve")
	}

	assert.Eventually(t, func() bool {
		return getRecord(t, adapter, "task2") == nil
	}, time.Second, 10*time.Millisecond)
}

// Scenario 3 (spec.md §8): reject twice with retries=1 moves the task
// back to its start state once, then to its error state.
func TestWorker_RetryThenError(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	rejected := make(chan struct{}, 2)
	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		require.NoError(t, task.Reject(errors.New("boom")))
		rejected <- struct{}{}
	}

	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)
	spec := &Spec{StartState: StringPtr("start"), InProgressState: "in_progress", Retries: IntPtr(1)}
	require.NoError(t, w.SetTaskSpec(spec))

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task3", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{"_state": "start"}, nil
	})
	require.NoError(t, err)

	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first reject")
	}

	require.Eventually(t, func() bool {
		m, ok := getRecord(t, adapter, "task3").(map[string]interface{})
		return ok && m["_state"] == "start"
	}, time.Second, 10*time.Millisecond)

	m := getRecord(t, adapter, "task3").(map[string]interface{})
	details := m["_error_details"].(map[string]interface{})
	assert.EqualValues(t, 1, details["attempts"])

	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second reject")
	}

	require.Eventually(t, func() bool {
		m, ok := getRecord(t, adapter, "task3").(map[string]interface{})
		return ok && m["_state"] == "error"
	}, time.Second, 10*time.Millisecond)

	m = getRecord(t, adapter, "task3").(map[string]interface{})
	details = m["_error_details"].(map[string]interface{})
	assert.EqualValues(t, 2, details["attempts"])
	assert.Equal(t, "boom", details["error"])
	assert.Equal(t, "in_progress", details["previous_state"])
}

// Scenario 4 (spec.md §8): a stale in-progress task is reclaimed once
// its lease expires.
func TestWorker_TimeoutReclamation(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		_ = task.Resolve(nil)
	}
	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)

	staleChangedAt := time.Now().Add(-time.Hour).UnixMilli()
	_, _, err = adapter.Transaction(context.Background(), "tasks", "task4", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{
			"_state":         "in_progress",
			"_state_changed": staleChangedAt,
			"_owner":         "worker-A:0",
		}, nil
	})
	require.NoError(t, err)

	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress", Timeout: DurationPtr(20 * time.Millisecond)}))

	assert.Eventually(t, func() bool {
		return getRecord(t, adapter, "task4") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// Scenario 5 (spec.md §8): a malformed (non-mapping) record is rewritten
// into an error record rather than dispatched to the processing function.
func TestWorker_MalformedTask(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	processCalled := false
	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		processCalled = true
		_ = task.Resolve(nil)
	}
	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task5", func(current interface{}) (interface{}, error) {
		return "invalid", nil
	})
	require.NoError(t, err)

	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress"}))

	require.Eventually(t, func() bool {
		m, ok := getRecord(t, adapter, "task5").(map[string]interface{})
		return ok && m["_state"] == DefaultErrorState
	}, 2*time.Second, 10*time.Millisecond)

	m := getRecord(t, adapter, "task5").(map[string]interface{})
	details := m["_error_details"].(map[string]interface{})
	assert.Equal(t, "Task was malformed", details["error"])
	assert.Equal(t, "invalid", details["original_task"])
	assert.False(t, processCalled)
}

// Scenario 6 (spec.md §8): an external party clears ownership while the
// processing function is mid-flight; the subsequent resolve is a no-op.
func TestWorker_OwnershipStolenMidFlight(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	claimed := make(chan struct{})
	resolveNow := make(chan struct{})
	resolveErr := make(chan error, 1)

	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {
		close(claimed)
		<-resolveNow
		resolveErr <- task.Resolve(map[string]interface{}{"should_not_apply": true})
	}

	w, err := NewWorker(adapter, "tasks", "worker-A", true, false, process)
	require.NoError(t, err)
	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress", FinishedState: StringPtr("finished")}))

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task6", func(current interface{}) (interface{}, error) {
		return map[string]interface{}{"foo": "bar"}, nil
	})
	require.NoError(t, err)

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for claim")
	}

	_, _, err = adapter.Transaction(context.Background(), "tasks", "task6", func(current interface{}) (interface{}, error) {
		m, ok := current.(map[string]interface{})
		require.True(t, ok)
		out := copyMap(m)
		out["_owner"] = nil
		return out, nil
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	close(resolveNow)

	select {
	case err := <-resolveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolve")
	}

	m := getRecord(t, adapter, "task6").(map[string]interface{})
	assert.Nil(t, m["_owner"])
	assert.Equal(t, "in_progress", m["_state"])
}

func TestWorker_SetTaskSpecIsIdempotentForIdenticalSpecs(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {}
	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)

	spec := &Spec{InProgressState: "in_progress"}
	require.NoError(t, w.SetTaskSpec(spec))
	gen := w.taskNumber

	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress"}))
	assert.Equal(t, gen, w.taskNumber)

	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress", Retries: IntPtr(2)}))
	assert.Greater(t, w.taskNumber, gen)
}

func TestWorker_ShutdownIsIdempotent(t *testing.T) {
	adapter := store.NewMemoryAdapter()
	defer adapter.Close()

	process := func(ctx context.Context, data map[string]interface{}, task *TaskHandle) {}
	w, err := NewWorker(adapter, "tasks", "w0", true, false, process)
	require.NoError(t, err)
	require.NoError(t, w.SetTaskSpec(&Spec{InProgressState: "in_progress"}))

	ch1 := w.Shutdown()
	ch2 := w.Shutdown()

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not resolve")
	}
	select {
	case <-ch2:
	default:
		t.Fatal("second shutdown call returned a distinct, unresolved channel")
	}
}
