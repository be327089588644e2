// Command taskqueue-demo runs a Queue against a real Redis instance (or,
// with --memory, an in-process store useful for a single-process
// smoke test since a fresh in-memory store never survives past one
// invocation): "push" adds one sample task and "run" starts workers
// that log each task they process. It exists to exercise the store adapters end to
// end; it is not part of the library's public API.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskqueue-go/taskqueue/queue"
	"github.com/taskqueue-go/taskqueue/store"
	"github.com/taskqueue-go/taskqueue/telemetry"
)

var (
	redisAddr  string
	namespace  string
	numWorkers int
	specID     string
	useMemory  bool
)

func main() {
	root := &cobra.Command{
		Use:   "taskqueue-demo",
		Short: "Run a taskqueue Queue against Redis",
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	root.PersistentFlags().StringVar(&namespace, "namespace", "taskqueue-demo", "store key namespace")
	root.PersistentFlags().BoolVar(&useMemory, "memory", false, "use an in-process store instead of Redis (single-process demo only)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPushCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start workers consuming from the tasks collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&numWorkers, "workers", 2, "number of workers")
	cmd.Flags().StringVar(&specID, "spec-id", "", "spec id to subscribe to (empty uses the built-in default spec)")
	return cmd
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push one sample task into the tasks collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pushSample(cmd.Context())
		},
	}
	return cmd
}

func newAdapter(logger telemetry.Logger) store.Adapter {
	if useMemory {
		return store.NewMemoryAdapter()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return store.NewRedisAdapter(client, store.WithNamespace(namespace), store.WithLogger(logger))
}

func pushSample(ctx context.Context) error {
	logger := telemetry.NewHCLogLogger("taskqueue-demo")
	adapter := newAdapter(logger)
	defer adapter.Close()

	id := uuid.NewString()
	_, _, err := adapter.Transaction(ctx, "tasks", id, func(current interface{}) (interface{}, error) {
		return map[string]interface{}{
			"message": fmt.Sprintf("hello #%d", rand.Intn(1000)),
		}, nil
	})
	if err != nil {
		return err
	}
	logger.Info("pushed task", map[string]interface{}{"id": id})
	return nil
}

func runQueue(ctx context.Context) error {
	logger := telemetry.NewHCLogLogger("taskqueue-demo")
	metrics := telemetry.NewPrometheusMetrics(nil)
	adapter := newAdapter(logger)
	defer adapter.Close()

	process := func(pctx context.Context, data map[string]interface{}, task *queue.TaskHandle) {
		logger.Info("processing task", map[string]interface{}{"data": data})
		if err := task.Progress(50); err != nil {
			logger.Warn("progress failed", map[string]interface{}{"error": err.Error()})
		}
		time.Sleep(200 * time.Millisecond)
		if err := task.Resolve(map[string]interface{}{"handled_at": time.Now().UTC().Format(time.RFC3339)}); err != nil {
			logger.Error("resolve failed", map[string]interface{}{"error": err.Error()})
		}
	}

	cfg := queue.Config{SpecID: specID, NumWorkers: numWorkers, NumWorkersSet: true}
	q, err := queue.NewQueue(adapter, "tasks", "specs", cfg, process, queue.WithQueueLogger(logger), queue.WithQueueMetrics(metrics))
	if err != nil {
		return err
	}

	<-q.Initialized()
	logger.Info("queue initialized", map[string]interface{}{"workers": q.GetWorkerCount()})

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.Shutdown(shutdownCtx)
}
