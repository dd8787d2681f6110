package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"github.com/antimomentum/antimomentum/internal/runtime"
	"github.com/antimomentum/antimomentum/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func workerCMD() *cobra.Command {
	var cfgPath string

	var w = &cobra.Command{
		Use:   "worker",
		Short: "Consume job.enqueued events from Redis and execute jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
	w.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return w
}

func runWorker(cfg *config.Config) error {
	if cfg.Storage.Driver != config.StorageDriverPostgres {
		return fmt.Errorf("worker requires storage.driver=postgres")
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := newLogger("[WORKER] ")

	tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{Component: "worker"})
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	st, closeStore, err := openStore(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	rdb, err := openRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}
	consumerName := cfg.Queue.Consumer
	if consumerName == "" {
		consumerName = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	consumer := streams.NewConsumer(rdb, registry, cfg.Queue.Group, consumerName, logger)

	orch, err := newOrchestrator(cfg, st, meter, tracer)
	if err != nil {
		return err
	}

	if addr := cfg.Telemetry.MetricsAddress; addr != "" {
		metricsSrv := newMetricsServer(addr, tel)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Printf("consumer %s joined group %s", consumerName, cfg.Queue.Group)
	processor := worker.NewProcessor(logger, st, orch, consumer, cfg.Queue, cfg.Orchestrator.MaxConcurrentJobs, meter, tracer)
	return processor.Start(ctx)
}

func newMetricsServer(addr string, tel *runtime.Telemetry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
