package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/llm"
	"github.com/antimomentum/antimomentum/internal/orchestrator"
	"github.com/antimomentum/antimomentum/internal/planner"
	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"github.com/antimomentum/antimomentum/internal/sandbox"
	"github.com/antimomentum/antimomentum/internal/store"
	"github.com/antimomentum/antimomentum/internal/tools"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// jobStore is everything the binaries need from either store implementation.
type jobStore interface {
	CreateJob(ctx context.Context, prompt string) (store.Job, error)
	GetJob(ctx context.Context, id int64) (store.JobResponse, bool, error)
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus) error
	UpdateJobReasoning(ctx context.Context, id int64, reasoning string) error
	CreateStep(ctx context.Context, jobID int64, title, tool string, order int) (store.Step, error)
	UpdateStepStatus(ctx context.Context, id int64, status store.StepStatus, output *string) error
}

var (
	_ jobStore = (*store.Store)(nil)
	_ jobStore = (*store.Memory)(nil)
)

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

// openStore connects to the configured store. Postgres schemas are migrated
// first when migrationsDir is set.
func openStore(ctx context.Context, cfg *config.Config, migrationsDir string) (jobStore, func() error, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		return store.NewMemory(), func() error { return nil }, nil
	}
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, nil, err
	}
	if migrationsDir != "" {
		if err := store.Migrate(migrationsDir, dsn, "up", 0); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.Storage.Postgres.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Storage.Postgres.Timeout)
		defer cancel()
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func newRegistry() (*streams.SchemaRegistry, error) {
	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return nil, fmt.Errorf("register stream schemas: %w", err)
	}
	return registry, nil
}

// newOrchestrator assembles planner, sandbox and tools around st.
func newOrchestrator(cfg *config.Config, st jobStore, meter otelmetric.Meter, tracer trace.Tracer) (*orchestrator.Orchestrator, error) {
	provider := llm.NewOpenAIProvider(cfg.LLM, newLogger("[LLM] "))
	if cfg.LLM.APIKey == "" {
		log.Printf("llm.api_key not set; every job will run the fallback plan")
	}
	pl := planner.New(provider, st, newLogger("[PLANNER] "))

	sb, err := sandbox.New(cfg.Security, newLogger("[SANDBOX] "))
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	executor := tools.NewExecutor(sb, newLogger("[TOOLS] "))
	log.Printf("tools registered: %s", strings.Join(executor.Tools(), ", "))

	return orchestrator.New(st, pl, executor, newLogger("[ORCH] "), meter, tracer), nil
}
