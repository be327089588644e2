package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/taskqueue-go/taskqueue/store"
	"github.com/taskqueue-go/taskqueue/telemetry"
	"golang.org/x/sync/errgroup"
)

// defaultInProgressState and defaultTimeoutMillis back the no-specId
// default spec (spec.md §4.8, §6).
const (
	defaultInProgressState = "in_progress"
	defaultTimeoutMillis   = 300000
)

// Config holds the optional Queue constructor inputs (spec.md §4.8).
// Zero value is valid: NumWorkers defaults to 1, Sanitize defaults to
// true, SuppressStack defaults to false.
type Config struct {
	// SpecID, if non-empty, names the record under the specs
	// collection the Queue subscribes to for live reprogramming. Empty
	// means "use the built-in default spec, never subscribe."
	SpecID string
	// NumWorkers is how many workers the Queue starts with. Leaving it
	// at the Go zero value (0, NumWorkersSet false) defaults to 1; an
	// explicitly set non-positive value is a construction error
	// (spec.md §4.8), distinguished from "omitted" the same way
	// Sanitize/SanitizeSet are.
	NumWorkers    int
	NumWorkersSet bool
	// Sanitize, SanitizeSet distinguish "false" from "not provided" so
	// the Queue can apply its true-by-default rule.
	Sanitize    bool
	SanitizeSet bool
	// SuppressStack defaults to false; no corresponding "set" flag is
	// needed since false is already the zero-value default.
	SuppressStack bool
}

func (c Config) numWorkers() int {
	if !c.NumWorkersSet {
		return 1
	}
	return c.NumWorkers
}

func (c Config) sanitize() bool {
	if !c.SanitizeSet {
		return true
	}
	return c.Sanitize
}

// Queue is the supervisor described in spec.md §4.8: it constructs N
// workers sharing one tasks collection and processing function, and —
// when configured with a SpecID — keeps every worker's Task Spec in
// sync with the specs collection.
type Queue struct {
	adapter         store.Adapter
	tasksCollection string
	specsCollection string
	specID          string
	sanitize        bool
	suppressStack   bool
	processFn       ProcessFunc
	logger          telemetry.Logger
	metrics         telemetry.Metrics

	mu       sync.Mutex
	workers  []*Worker
	specSub  store.Subscription
	initOnce chan struct{}
	inited   bool
}

// QueueOption configures optional Queue dependencies.
type QueueOption func(*Queue)

// WithQueueLogger injects a logger; defaults to telemetry.NoOpLogger.
func WithQueueLogger(l telemetry.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueMetrics injects a metrics sink; defaults to nil (no-op).
func WithQueueMetrics(m telemetry.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue constructs a Queue bound to tasksCollection (and, when cfg
// names a SpecID, specsCollection for live reprogramming), then starts
// cfg.NumWorkers (default 1) workers running fn (spec.md §4.8).
func NewQueue(adapter store.Adapter, tasksCollection, specsCollection string, cfg Config, fn ProcessFunc, opts ...QueueOption) (*Queue, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter is required", ErrInvalidArgument)
	}
	if tasksCollection == "" {
		return nil, fmt.Errorf("%w: tasksCollection must be non-empty", ErrInvalidArgument)
	}
	if cfg.SpecID != "" && specsCollection == "" {
		return nil, fmt.Errorf("%w: specsCollection is required when SpecID is set", ErrInvalidArgument)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: processFn is required", ErrInvalidArgument)
	}
	if cfg.NumWorkersSet && cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("%w: NumWorkers must be positive", ErrInvalidArgument)
	}

	q := &Queue{
		adapter:         adapter,
		tasksCollection: tasksCollection,
		specsCollection: specsCollection,
		specID:          cfg.SpecID,
		sanitize:        cfg.sanitize(),
		suppressStack:   cfg.SuppressStack,
		processFn:       fn,
		logger:          telemetry.NoOpLogger{},
		initOnce:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if cal, ok := q.logger.(telemetry.ComponentAwareLogger); ok {
		q.logger = cal.WithComponent("taskqueue/queue")
	}

	for i := 0; i < cfg.numWorkers(); i++ {
		if _, err := q.addWorkerLocked(i); err != nil {
			return nil, err
		}
	}

	if q.specID == "" {
		spec := defaultSpec()
		for _, w := range q.workers {
			if err := w.SetTaskSpec(spec); err != nil {
				q.logger.Error("failed to program default spec", map[string]interface{}{"error": err.Error()})
			}
		}
		q.markInitialized()
	} else {
		if err := q.subscribeSpec(context.Background()); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func defaultSpec() *Spec {
	timeout := durationFromMillis(defaultTimeoutMillis)
	return &Spec{
		InProgressState: defaultInProgressState,
		Timeout:         &timeout,
	}
}

func (q *Queue) markInitialized() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inited {
		q.inited = true
		close(q.initOnce)
	}
}

// Initialized returns a channel that closes once the Queue has
// applied its first spec (the default spec immediately, or the first
// snapshot from the specs collection).
func (q *Queue) Initialized() <-chan struct{} {
	return q.initOnce
}

func (q *Queue) subscribeSpec(ctx context.Context) error {
	sub, err := q.adapter.SubscribeValue(ctx, q.specsCollection, q.specID, func(ev store.ValueEvent) {
		spec, err := specFromSnapshot(ev.Value)
		if err != nil {
			q.logger.Error("invalid spec snapshot", map[string]interface{}{"error": err.Error()})
			q.markInitialized()
			return
		}
		q.mu.Lock()
		workers := append([]*Worker(nil), q.workers...)
		q.mu.Unlock()
		for _, w := range workers {
			if err := w.SetTaskSpec(spec); err != nil {
				q.logger.Error("failed to apply spec", map[string]interface{}{"error": err.Error()})
			}
		}
		q.markInitialized()
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.specSub = sub
	q.mu.Unlock()
	return nil
}

// specFromSnapshot builds a Spec from the specs collection's record
// shape: {start_state, in_progress_state, finished_state, error_state,
// timeout, retries} (spec.md §6).
func specFromSnapshot(value interface{}) (*Spec, error) {
	m, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: spec snapshot is not a mapping", ErrInvalidSpec)
	}

	inProgress, _ := m["in_progress_state"].(string)
	spec := &Spec{InProgressState: inProgress}

	if s, ok := m["start_state"].(string); ok {
		spec.StartState = StringPtr(s)
	}
	if s, ok := m["finished_state"].(string); ok {
		spec.FinishedState = StringPtr(s)
	}
	if s, ok := m["error_state"].(string); ok {
		spec.ErrorState = StringPtr(s)
	}
	if f, ok := asFloat(m["timeout"]); ok {
		d := durationFromMillis(int64(f))
		spec.Timeout = &d
	}
	if f, ok := asFloat(m["retries"]); ok {
		spec.Retries = IntPtr(int(f))
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// workerProcessID builds <specIdOrEmpty>:<index>:<random-uuid> (spec.md
// §3 "Worker Identity"): the random component means two Queues racing
// the same tasks collection never collide on _owner even if they pick
// the same index.
func (q *Queue) workerProcessID(index int) string {
	return fmt.Sprintf("%s:%d:%s", q.specID, index, uuid.NewString())
}

// addWorkerLocked must be called with q.mu held.
func (q *Queue) addWorkerLocked(index int) (*Worker, error) {
	var wopts []WorkerOption
	if q.logger != nil {
		wopts = append(wopts, WithWorkerLogger(q.logger))
	}
	if q.metrics != nil {
		wopts = append(wopts, WithWorkerMetrics(q.metrics))
	}
	w, err := NewWorker(q.adapter, q.tasksCollection, q.workerProcessID(index), q.sanitize, q.suppressStack, q.processFn, wopts...)
	if err != nil {
		return nil, err
	}
	q.workers = append(q.workers, w)
	return w, nil
}

// AddWorker creates and starts one additional worker at index
// GetWorkerCount() (spec.md §4.8). Without a SpecID the new worker is
// programmed with the default spec; with a SpecID it does not inherit
// the spec the other workers run and stays idle until the next spec
// event.
func (q *Queue) AddWorker() (*Worker, error) {
	q.mu.Lock()
	index := len(q.workers)
	w, err := q.addWorkerLocked(index)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	specID := q.specID
	q.mu.Unlock()

	if specID == "" {
		if err := w.SetTaskSpec(defaultSpec()); err != nil {
			return w, err
		}
	}
	// When specID is set the new worker starts unprogrammed until the
	// next spec event; callers that need it programmed immediately
	// should re-fetch the current spec themselves (the specs
	// collection has no "read current value" in this contract beyond
	// the subscription backlog delivery, which already replays here
	// via SubscribeValue semantics if the caller re-subscribes).
	return w, nil
}

// ShutdownWorker removes and shuts down the last worker, returning its
// shutdown channel, or nil if no workers remain (spec.md §4.8).
func (q *Queue) ShutdownWorker() <-chan struct{} {
	q.mu.Lock()
	n := len(q.workers)
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	w := q.workers[n-1]
	q.workers = q.workers[:n-1]
	q.mu.Unlock()

	return w.Shutdown()
}

// GetWorkerCount returns the current number of live workers.
func (q *Queue) GetWorkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Shutdown unsubscribes the spec listener (if any) and awaits every
// worker's shutdown concurrently, returning once all have finished
// (spec.md §4.8).
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	specSub := q.specSub
	q.specSub = nil
	workers := append([]*Worker(nil), q.workers...)
	q.mu.Unlock()

	if specSub != nil {
		specSub.Unsubscribe()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			select {
			case <-w.Shutdown():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
