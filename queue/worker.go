// Package queue implements the worker state machine and the Queue
// supervisor described in spec.md: claim, callback issuance, exclusive
// ownership across callbacks, timeout reclamation, live spec reload,
// and clean shutdown, all layered on the store.Adapter contract.
package queue

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taskqueue-go/taskqueue/internal/xtrace"
	"github.com/taskqueue-go/taskqueue/store"
	"github.com/taskqueue-go/taskqueue/telemetry"
)

// MaxTransactionAttempts bounds how many times a transaction-backed
// operation retries a transient store error before giving up
// (spec.md §4.2, §7, §9).
const MaxTransactionAttempts = 10

// ProcessFunc is the user-supplied processing function. It runs on its
// own goroutine (detached from the store's event-delivery goroutine so
// synchronous calls into task cannot re-enter the worker mid-
// transaction) and must eventually call exactly one of
// task.Resolve/task.Reject — calling progress any number of times in
// between is fine. A synchronous panic is recovered and routed to
// Reject, mirroring the "exceptions thrown synchronously are caught
// and routed to reject" contract (spec.md §4.4, §7).
type ProcessFunc func(ctx context.Context, data map[string]interface{}, task *TaskHandle)

// TaskHandle exposes the three capabilities a ProcessFunc uses to
// report outcome: Progress, Resolve, Reject. A handle is valid for
// exactly one claim; after ownership has moved on (spec.md §4.6),
// Resolve and Reject return nil without side effect and Progress
// returns an error.
type TaskHandle struct {
	worker     *Worker
	generation int64
	key        string
	ctx        context.Context
	endSpan    func()
}

// Worker is one process-local instance of the claim/process/complete
// state machine (spec.md §4.3–§4.7). A Worker claims at most one task
// at a time.
type Worker struct {
	adapter         store.Adapter
	tasksCollection string
	processID       string
	sanitize        bool
	suppressStack   bool
	processFn       ProcessFunc
	logger          telemetry.Logger
	metrics         telemetry.Metrics

	mu         sync.Mutex
	spec       *Spec
	taskNumber int64
	listenerGen int64

	newTaskSub store.Subscription
	timeoutSub store.Subscription
	ownerSub   store.Subscription

	expiryTimers map[string]*time.Timer
	timerOwners  map[string]interface{}

	busy       bool
	currentKey string
	currentGen int64

	shutdownRequested bool
	shutdownDone      chan struct{}
	shutdownClosed    bool
}

// WorkerOption configures optional Worker dependencies.
type WorkerOption func(*Worker)

// WithWorkerLogger injects a logger; defaults to telemetry.NoOpLogger.
func WithWorkerLogger(l telemetry.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerMetrics injects a metrics sink; defaults to nil (no-op).
func WithWorkerMetrics(m telemetry.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker constructs a Worker. None of tasksCollection, processID, or
// fn are optional; invalid arguments fail construction with a
// descriptive error rather than panicking (spec.md §4.3).
func NewWorker(adapter store.Adapter, tasksCollection, processID string, sanitize, suppressStack bool, fn ProcessFunc, opts ...WorkerOption) (*Worker, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter is required", ErrInvalidArgument)
	}
	if tasksCollection == "" {
		return nil, fmt.Errorf("%w: tasksCollection must be non-empty", ErrInvalidArgument)
	}
	if processID == "" {
		return nil, fmt.Errorf("%w: processID must be non-empty", ErrInvalidArgument)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: processFn is required", ErrInvalidArgument)
	}

	w := &Worker{
		adapter:         adapter,
		tasksCollection: tasksCollection,
		processID:       processID,
		sanitize:        sanitize,
		suppressStack:   suppressStack,
		processFn:       fn,
		logger:          telemetry.NoOpLogger{},
		expiryTimers:    make(map[string]*time.Timer),
		timerOwners:     make(map[string]interface{}),
		shutdownDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if cal, ok := w.logger.(telemetry.ComponentAwareLogger); ok {
		w.logger = cal.WithComponent(fmt.Sprintf("taskqueue/worker.%s", processID))
	}

	return w, nil
}

func (w *Worker) identity(gen int64) string {
	return fmt.Sprintf("%s:%d", w.processID, gen)
}

// metricsLabel returns the spec-ID component of processID (everything
// before the first ':'), or the whole processID if it has none.
func (w *Worker) metricsLabel() string {
	for i := 0; i < len(w.processID); i++ {
		if w.processID[i] == ':' {
			return w.processID[:i]
		}
	}
	return w.processID
}

// SetTaskSpec atomically reprograms the worker (spec.md §4.3). It is
// idempotent with respect to repeated identical specs. Every call —
// even a no-op one — leaves taskNumber unchanged only in the idempotent
// case; an actual reprogram always strictly increments it.
func (w *Worker) SetTaskSpec(spec *Spec) error {
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	if specsEqual(w.spec, spec) {
		w.mu.Unlock()
		return nil
	}

	oldNewTaskSub, oldTimeoutSub, oldOwnerSub := w.newTaskSub, w.timeoutSub, w.ownerSub
	w.newTaskSub, w.timeoutSub, w.ownerSub = nil, nil, nil

	w.taskNumber++
	gen := w.taskNumber
	w.listenerGen = gen

	for key, timer := range w.expiryTimers {
		timer.Stop()
		delete(w.expiryTimers, key)
	}
	for key := range w.timerOwners {
		delete(w.timerOwners, key)
	}

	needReset := w.busy
	resetKey := w.currentKey
	if needReset {
		w.busy = false
		w.currentKey = ""
		w.currentGen = 0
	}

	w.spec = spec
	w.mu.Unlock()

	if oldNewTaskSub != nil {
		oldNewTaskSub.Unsubscribe()
	}
	if oldTimeoutSub != nil {
		oldTimeoutSub.Unsubscribe()
	}
	if oldOwnerSub != nil {
		oldOwnerSub.Unsubscribe()
	}

	if needReset && resetKey != "" {
		w.resetTask(context.Background(), resetKey, "spec_reload")
	}

	if spec == nil {
		w.logger.Info("worker idle: no task spec configured", nil)
		return nil
	}

	return w.startListening(context.Background(), spec, gen)
}

func (w *Worker) startListening(ctx context.Context, spec *Spec, gen int64) error {
	newTaskSub, err := w.adapter.SubscribeChildren(ctx, w.tasksCollection, store.Filter{ByField: FieldState, Equals: spec.startStateValue()}, func(ev store.ChildEvent) {
		if ev.Kind == store.ChildRemoved {
			return
		}
		go w.tryToProcess(context.Background(), gen)
	})
	if err != nil {
		w.logger.Error("failed to subscribe to new-task listener", map[string]interface{}{"error": err.Error()})
		return err
	}

	var timeoutSub store.Subscription
	if spec.Timeout != nil {
		timeoutSub, err = w.adapter.SubscribeChildren(ctx, w.tasksCollection, store.Filter{ByField: FieldState, Equals: spec.InProgressState}, func(ev store.ChildEvent) {
			w.handleTimeoutEvent(ev, *spec.Timeout, gen)
		})
		if err != nil {
			w.logger.Error("failed to subscribe to timeout listener", map[string]interface{}{"error": err.Error()})
			newTaskSub.Unsubscribe()
			return err
		}
	}

	w.mu.Lock()
	w.newTaskSub = newTaskSub
	w.timeoutSub = timeoutSub
	w.mu.Unlock()

	return nil
}

// handleTimeoutEvent implements spec.md §4.7's expiry bookkeeping.
func (w *Worker) handleTimeoutEvent(ev store.ChildEvent, timeout time.Duration, gen int64) {
	w.mu.Lock()
	if w.listenerGen != gen {
		w.mu.Unlock()
		return
	}
	defer func() { w.mu.Unlock() }()

	switch ev.Kind {
	case store.ChildRemoved:
		if t, ok := w.expiryTimers[ev.Key]; ok {
			t.Stop()
			delete(w.expiryTimers, ev.Key)
		}
		delete(w.timerOwners, ev.Key)

	case store.ChildAdded:
		w.scheduleExpiry(ev.Key, ev.Value, timeout, gen)

	case store.ChildChanged:
		m, _ := asMap(ev.Value)
		var owner interface{}
		if m != nil {
			owner = m[FieldOwner]
		}
		if prev, ok := w.timerOwners[ev.Key]; !ok || prev != owner {
			if t, ok := w.expiryTimers[ev.Key]; ok {
				t.Stop()
			}
			w.scheduleExpiry(ev.Key, ev.Value, timeout, gen)
		}
	}
}

// scheduleExpiry must be called with w.mu held.
func (w *Worker) scheduleExpiry(key string, value interface{}, timeout time.Duration, gen int64) {
	m, _ := asMap(value)
	var owner interface{}
	var changedAtMs float64
	if m != nil {
		owner = m[FieldOwner]
		if f, ok := asFloat(m[FieldStateChanged]); ok {
			changedAtMs = f
		}
	}
	w.timerOwners[key] = owner

	changedAt := time.UnixMilli(int64(changedAtMs)).UTC()
	if changedAtMs == 0 {
		changedAt = time.Now().UTC()
	}
	remaining := time.Until(changedAt.Add(timeout))
	if remaining < 0 {
		remaining = 0
	}

	w.expiryTimers[key] = time.AfterFunc(remaining, func() {
		w.mu.Lock()
		if w.listenerGen != gen {
			w.mu.Unlock()
			return
		}
		delete(w.expiryTimers, key)
		w.mu.Unlock()
		w.resetTask(context.Background(), key, "timeout")
	})
}

// resetTask implements the Reset operation (spec.md §4.5): an
// in-progress task is returned to its start state, ownership cleared.
// Used by both timeout expiry and SetTaskSpec reload.
func (w *Worker) resetTask(ctx context.Context, key, reason string) {
	w.mu.Lock()
	spec := w.spec
	w.mu.Unlock()
	if spec == nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		_, _, err := w.adapter.Transaction(ctx, w.tasksCollection, key, func(current interface{}) (interface{}, error) {
			m, ok := asMap(current)
			if !ok {
				return store.Abort, nil
			}
			if !fieldEquals(m, FieldState, spec.InProgressState) {
				return store.Abort, nil
			}
			out := copyMap(m)
			out[FieldState] = spec.startStateValue()
			out[FieldStateChanged] = store.Now
			out[FieldOwner] = nil
			out[FieldProgress] = nil
			out[FieldErrorDetails] = nil
			return out, nil
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		w.logger.Error("reset transaction failed after max attempts", map[string]interface{}{
			"task_key": key,
			"error":    lastErr.Error(),
		})
		return
	}
	if w.metrics != nil {
		w.metrics.TaskReset(w.metricsLabel(), reason)
	}
}

// tryToProcess implements the claim protocol (spec.md §4.4).
func (w *Worker) tryToProcess(ctx context.Context, gen int64) {
	w.mu.Lock()
	if w.spec == nil || w.listenerGen != gen {
		w.mu.Unlock()
		return
	}
	if w.busy {
		w.mu.Unlock()
		return
	}
	if w.shutdownRequested {
		w.mu.Unlock()
		w.finishShutdown()
		return
	}
	spec := w.spec
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ClaimAttempted(w.metricsLabel())
	}

	ctx, endSpan := xtrace.StartSpan(ctx, "taskqueue.try_to_process", attribute.String("taskqueue.process_id", w.processID))
	defer endSpan()

	var lastErr error
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		outcome, err := w.attemptClaim(ctx, spec)
		if err != nil {
			lastErr = err
			xtrace.RecordError(ctx, err)
			continue
		}
		switch outcome {
		case claimMalformed, claimMissedRace:
			w.tryToProcess(ctx, gen)
			return
		default:
			return
		}
	}
	xtrace.RecordError(ctx, lastErr)
	w.logger.Error("claim failed after max attempts", map[string]interface{}{"error": lastErr.Error()})
}

type claimOutcome int

const (
	claimNone claimOutcome = iota
	claimMalformed
	claimSucceeded
	claimMissedRace
)

func (w *Worker) attemptClaim(ctx context.Context, spec *Spec) (claimOutcome, error) {
	ctx, endSpan := xtrace.StartSpan(ctx, "taskqueue.claim")
	defer endSpan()

	key, _, found, err := w.adapter.FindFirst(ctx, w.tasksCollection, store.Filter{ByField: FieldState, Equals: spec.startStateValue()})
	if err != nil {
		xtrace.RecordError(ctx, err)
		return claimNone, err
	}
	if !found {
		return claimNone, nil
	}

	w.mu.Lock()
	nextGen := w.taskNumber + 1
	identity := w.identity(nextGen)
	w.mu.Unlock()

	var malformed bool
	committed, value, err := w.adapter.Transaction(ctx, w.tasksCollection, key, func(current interface{}) (interface{}, error) {
		if current == nil {
			return store.Abort, nil
		}
		m, ok := asMap(current)
		if !ok {
			malformed = true
			details := map[string]interface{}{
				"error":         "Task was malformed",
				"original_task": current,
			}
			return map[string]interface{}{
				FieldState:        spec.EffectiveErrorState(),
				FieldStateChanged: store.Now,
				FieldErrorDetails: details,
			}, nil
		}
		if !fieldEquals(m, FieldState, spec.startStateValue()) {
			return store.Abort, nil
		}
		out := copyMap(m)
		out[FieldState] = spec.InProgressState
		out[FieldStateChanged] = store.Now
		out[FieldOwner] = identity
		out[FieldProgress] = 0
		return out, nil
	})
	if err != nil {
		xtrace.RecordError(ctx, err)
		return claimNone, err
	}
	if !committed {
		return claimNone, nil
	}
	if malformed {
		if w.metrics != nil {
			w.metrics.TaskMalformed(w.metricsLabel())
		}
		return claimMalformed, nil
	}

	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		w.resetTask(ctx, key, "claim_race")
		return claimMissedRace, nil
	}
	w.busy = true
	w.taskNumber++
	gen := w.taskNumber
	w.currentKey = key
	w.currentGen = gen
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ClaimSucceeded(w.metricsLabel())
		w.metrics.ActiveWorkers(w.metricsLabel(), 1)
	}

	xtrace.AddEvent(ctx, "claimed", attribute.String("taskqueue.task_key", key))

	record, _ := asMap(value)
	w.watchOwnership(key, gen, identity)
	w.dispatchProcessing(ctx, key, gen, spec, record)

	return claimSucceeded, nil
}

// watchOwnership implements spec.md §4.6: detach the current-task
// reference (without touching busy) the moment an outside party's
// ownership no longer matches what this claim wrote.
func (w *Worker) watchOwnership(key string, gen int64, expectedIdentity string) {
	var subRef store.Subscription
	sub, err := w.adapter.SubscribeValue(context.Background(), w.tasksCollection, key, func(ev store.ValueEvent) {
		var owner interface{}
		if m, ok := asMap(ev.Value); ok {
			owner = m[FieldOwner]
		}
		if owner == expectedIdentity {
			return
		}

		w.mu.Lock()
		if w.currentGen == gen && w.currentKey == key {
			w.currentKey = ""
			if subRef != nil {
				s := subRef
				subRef = nil
				w.mu.Unlock()
				s.Unsubscribe()
				return
			}
		}
		w.mu.Unlock()
	})
	if err != nil {
		w.logger.Warn("failed to subscribe to ownership watch", map[string]interface{}{"error": err.Error()})
		return
	}
	subRef = sub

	w.mu.Lock()
	w.ownerSub = sub
	w.mu.Unlock()
}

func (w *Worker) dispatchProcessing(parentCtx context.Context, key string, gen int64, spec *Spec, record map[string]interface{}) {
	data := sanitizeData(key, record, w.sanitize)
	processCtx, endSpan := xtrace.StartSpan(parentCtx, "taskqueue.process", attribute.String("taskqueue.task_key", key))
	handle := &TaskHandle{worker: w, generation: gen, key: key, ctx: processCtx, endSpan: endSpan}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				err := fmt.Errorf("panic in processing function: %v", r)
				xtrace.RecordError(processCtx, err)
				_ = handle.rejectWithStack(err, stack)
			}
		}()
		w.processFn(processCtx, data, handle)
	}()
}

// Progress reports advisory progress for the task this handle was
// issued for (spec.md §4.5). Unlike Resolve/Reject it rejects outright
// once the handle is no longer current — a caller reporting progress
// on work it no longer owns is a bug, not a benign race.
func (h *TaskHandle) Progress(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 100 {
		return fmt.Errorf("%w: progress must be a finite number in [0,100]", ErrInvalidArgument)
	}

	w := h.worker
	w.mu.Lock()
	valid := w.currentGen == h.generation && w.currentKey == h.key
	spec := w.spec
	w.mu.Unlock()
	if !valid || spec == nil {
		return fmt.Errorf("taskqueue: task is no longer owned by this worker")
	}

	identity := w.identity(h.generation)
	_, _, err := w.adapter.Transaction(context.Background(), w.tasksCollection, h.key, func(current interface{}) (interface{}, error) {
		m, ok := asMap(current)
		if !ok {
			return store.Abort, nil
		}
		if !fieldEquals(m, FieldState, spec.InProgressState) || m[FieldOwner] != identity {
			return store.Abort, nil
		}
		out := copyMap(m)
		out[FieldProgress] = p
		return out, nil
	})
	if err != nil {
		xtrace.RecordError(h.ctx, err)
		return err
	}
	xtrace.AddEvent(h.ctx, "progress", attribute.Float64("taskqueue.progress", p))
	return nil
}

// Resolve completes the task successfully (spec.md §4.5). If the
// handle is stale (ownership moved on, or a spec reload bumped the
// generation), Resolve is a documented no-op that still resolves and
// still triggers a fresh try-to-process (spec.md §8 "open questions").
func (h *TaskHandle) Resolve(newData map[string]interface{}) error {
	w := h.worker
	w.mu.Lock()
	valid := w.currentGen == h.generation && w.currentKey == h.key
	spec := w.spec
	w.mu.Unlock()

	if !valid || spec == nil {
		h.endSpan()
		w.finishCallback(h.generation)
		return nil
	}

	identity := w.identity(h.generation)
	var lastErr error
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		_, _, err := w.adapter.Transaction(h.ctx, w.tasksCollection, h.key, func(current interface{}) (interface{}, error) {
			if current == nil {
				return store.Abort, nil
			}
			m, ok := asMap(current)
			if !ok {
				return store.Abort, nil
			}
			if !fieldEquals(m, FieldState, spec.InProgressState) || m[FieldOwner] != identity {
				return store.Abort, nil
			}

			output := map[string]interface{}{}
			for k, v := range newData {
				if k == FieldNewState {
					continue
				}
				output[k] = v
			}

			newStateRaw, hasNewState := newData[FieldNewState]
			switch {
			case hasNewState && newStateRaw == false:
				return nil, nil
			case hasNewState:
				if s, ok := newStateRaw.(string); ok {
					output[FieldState] = s
				} else if spec.FinishedState == nil {
					return nil, nil
				} else {
					output[FieldState] = *spec.FinishedState
				}
			default:
				if spec.FinishedState == nil {
					return nil, nil
				}
				output[FieldState] = *spec.FinishedState
			}

			output[FieldStateChanged] = store.Now
			output[FieldOwner] = nil
			output[FieldProgress] = 100
			output[FieldErrorDetails] = nil
			return output, nil
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		lastErr = fmt.Errorf("%w: %v", ErrTooManyAttempts, lastErr)
		xtrace.RecordError(h.ctx, lastErr)
	}
	h.endSpan()

	if w.metrics != nil {
		w.metrics.TaskResolved(w.metricsLabel())
	}
	w.finishCallback(h.generation)
	return lastErr
}

// Reject moves the task back to its start state (for another attempt)
// or to its error state once retries are exhausted (spec.md §4.5).
func (h *TaskHandle) Reject(cause error) error {
	return h.rejectWithStack(cause, "")
}

// rejectWithStack is Reject's implementation, parameterized on an
// already-captured stack trace so dispatchProcessing's panic-recovery
// path can supply one without exposing a stack parameter on the public
// Reject method.
func (h *TaskHandle) rejectWithStack(cause error, stack string) error {
	w := h.worker
	w.mu.Lock()
	valid := w.currentGen == h.generation && w.currentKey == h.key
	spec := w.spec
	w.mu.Unlock()

	if !valid || spec == nil {
		h.endSpan()
		w.finishCallback(h.generation)
		return nil
	}

	message, stack := formatRejectCause(cause, stack)
	identity := w.identity(h.generation)

	var lastErr error
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		_, _, err := w.adapter.Transaction(h.ctx, w.tasksCollection, h.key, func(current interface{}) (interface{}, error) {
			m, ok := asMap(current)
			if !ok {
				return store.Abort, nil
			}
			if !fieldEquals(m, FieldState, spec.InProgressState) || m[FieldOwner] != identity {
				return store.Abort, nil
			}

			attempts := 0
			if prevDetails, ok := m[FieldErrorDetails].(map[string]interface{}); ok {
				if prevState, _ := prevDetails["previous_state"].(string); prevState == spec.InProgressState {
					if f, ok := asFloat(prevDetails["attempts"]); ok {
						attempts = int(f)
					}
				}
			}

			out := copyMap(m)
			if attempts >= spec.EffectiveRetries() {
				out[FieldState] = spec.EffectiveErrorState()
			} else {
				out[FieldState] = spec.startStateValue()
			}
			out[FieldStateChanged] = store.Now
			out[FieldOwner] = nil

			errDetails := map[string]interface{}{
				"previous_state": spec.InProgressState,
				"error":          message,
				"attempts":       attempts + 1,
			}
			if !w.suppressStack && stack != "" {
				errDetails["error_stack"] = stack
			}
			out[FieldErrorDetails] = errDetails
			// _progress is preserved from the prior value (spec.md §4.5,
			// §9 "open questions": newer behavior keeps it on error records).
			return out, nil
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		lastErr = fmt.Errorf("%w: %v", ErrTooManyAttempts, lastErr)
		xtrace.RecordError(h.ctx, lastErr)
	} else {
		xtrace.RecordError(h.ctx, cause)
	}
	h.endSpan()

	if w.metrics != nil {
		w.metrics.TaskRejected(w.metricsLabel())
	}
	w.finishCallback(h.generation)
	return lastErr
}

func formatRejectCause(cause error, stack string) (message, capturedStack string) {
	if cause == nil {
		return "", ""
	}
	return cause.Error(), stack
}

// finishCallback clears busy/current-task bookkeeping when gen is
// still the active claim and unsubscribes the ownership watch. Then,
// if Shutdown was requested and no task is held, it completes the
// shutdown; otherwise it triggers a fresh try-to-process attempt —
// matching the spec's documented behavior that a stale resolve/reject
// still kicks the worker back into looking for work (spec.md §8).
func (w *Worker) finishCallback(gen int64) {
	w.mu.Lock()
	var ownerSub store.Subscription
	if w.currentGen == gen {
		w.busy = false
		w.currentKey = ""
		w.currentGen = 0
		ownerSub = w.ownerSub
		w.ownerSub = nil
		if w.metrics != nil {
			w.mu.Unlock()
			w.metrics.ActiveWorkers(w.metricsLabel(), -1)
			w.mu.Lock()
		}
	}
	shuttingDown := w.shutdownRequested && !w.busy
	listenerGen := w.listenerGen
	w.mu.Unlock()

	if ownerSub != nil {
		ownerSub.Unsubscribe()
	}

	if shuttingDown {
		w.finishShutdown()
		return
	}
	go w.tryToProcess(context.Background(), listenerGen)
}

// Shutdown returns a channel that closes once the worker has finished
// its current task (if any) and released all listeners (spec.md
// §4.3). Idempotent: repeated calls return the same channel.
func (w *Worker) Shutdown() <-chan struct{} {
	w.mu.Lock()
	if w.shutdownRequested {
		ch := w.shutdownDone
		w.mu.Unlock()
		return ch
	}
	w.shutdownRequested = true
	busy := w.busy
	w.mu.Unlock()

	if !busy {
		w.finishShutdown()
	}
	return w.shutdownDone
}

func (w *Worker) finishShutdown() {
	w.mu.Lock()
	if w.shutdownClosed {
		w.mu.Unlock()
		return
	}
	newTaskSub, timeoutSub, ownerSub := w.newTaskSub, w.timeoutSub, w.ownerSub
	w.newTaskSub, w.timeoutSub, w.ownerSub = nil, nil, nil
	for key, timer := range w.expiryTimers {
		timer.Stop()
		delete(w.expiryTimers, key)
	}
	w.shutdownClosed = true
	w.mu.Unlock()

	if newTaskSub != nil {
		newTaskSub.Unsubscribe()
	}
	if timeoutSub != nil {
		timeoutSub.Unsubscribe()
	}
	if ownerSub != nil {
		ownerSub.Unsubscribe()
	}

	close(w.shutdownDone)
}
