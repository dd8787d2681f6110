package worker_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/orchestrator"
	"github.com/antimomentum/antimomentum/internal/planner"
	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"github.com/antimomentum/antimomentum/internal/sandbox"
	"github.com/antimomentum/antimomentum/internal/store"
	"github.com/antimomentum/antimomentum/internal/tools"
	"github.com/antimomentum/antimomentum/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type echoSandbox struct{}

func (echoSandbox) Run(_ context.Context, prog sandbox.Program) (string, error) {
	return "ran: " + prog.Code, nil
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

func TestWorkerProcessesEnqueuedJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("antimomentum"),
		tcPostgres.WithUsername("antimomentum"),
		tcPostgres.WithPassword("antimomentum"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	var st *store.Store
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = store.Migrate(migrationsDir(t), dsn, "up", 0); err == nil {
			st, err = store.NewWithDSN(ctx, dsn)
		}
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("prepare postgres: %v", err)
	}
	defer st.Close()

	client := redis.NewClient(&redis.Options{Addr: redisHost + ":" + redisPort.Port()})
	defer client.Close()

	queue := config.QueueConfig{Backend: config.QueueBackendRedis, Stream: "job.enqueued", Group: "workers", Block: 200 * time.Millisecond, ClaimIdle: time.Minute}
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register schemas: %v", err)
	}
	if err := streams.EnsureGroup(ctx, client, queue.Stream, queue.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	orch := orchestrator.New(st, planner.New(nil, st, quiet), tools.NewExecutor(echoSandbox{}, quiet), quiet, meter, nil)
	dispatcher := orchestrator.NewStreamDispatcher(streams.NewPublisher(client, reg, 1000), queue.Stream)

	job, err := st.CreateJob(ctx, "Research quantum computing")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := dispatcher.Dispatch(ctx, job.ID, job.Prompt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	consumer := streams.NewConsumer(client, reg, queue.Group, "worker-1", quiet)
	proc := worker.NewProcessor(quiet, st, orch, consumer, queue, 2, meter, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Start(runCtx) }()

	var resp store.JobResponse
	waitUntil := time.Now().Add(15 * time.Second)
	for time.Now().Before(waitUntil) {
		var ok bool
		resp, ok, err = st.GetJob(ctx, job.ID)
		if err != nil || !ok {
			t.Fatalf("get job: ok=%v err=%v", ok, err)
		}
		if resp.Status.Terminal() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("processor exit: %v", err)
	}

	if resp.Status != store.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", resp.Status)
	}
	if len(resp.Steps) != 2 {
		t.Fatalf("expected fallback plan with 2 steps, got %d", len(resp.Steps))
	}
	if resp.Steps[0].Output == nil || *resp.Steps[0].Output != "Summarized content of length 26" {
		t.Fatalf("unexpected first output %v", resp.Steps[0].Output)
	}
	if resp.Steps[1].Output == nil || *resp.Steps[1].Output != `ran: console.log("Processing complete for: " + "Research quantum computing")` {
		t.Fatalf("unexpected second output %v", resp.Steps[1].Output)
	}

	lag, err := consumer.Lag(ctx, queue.Stream)
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected the entry to be acknowledged, %d pending", lag.Pending)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	gauges := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				gauges[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	for _, name := range []string{"worker_stream_pending", "worker_stream_lag"} {
		v, ok := gauges[name]
		if !ok {
			t.Fatalf("gauge %s not reported; got %v", name, gauges)
		}
		if v != 0 {
			t.Fatalf("expected %s to be 0 after the job, got %d", name, v)
		}
	}
}
