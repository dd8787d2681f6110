package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/orchestrator"
	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"github.com/antimomentum/antimomentum/internal/runtime"
	"github.com/antimomentum/antimomentum/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string
	var migDir string

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return runServe(cfg, migDir)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&migDir, "migrations", "file://migrations", "migrations applied on start; empty to skip")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func runServe(cfg *config.Config, migDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := newLogger("[HTTP] ")

	tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{Component: "api"})
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, migDir)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var dispatcher server.Dispatcher
	var inline *orchestrator.InlineDispatcher
	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
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
			return err
		}
		dispatcher = orchestrator.NewStreamDispatcher(streams.NewPublisher(rdb, registry, cfg.Queue.MaxLen), cfg.Queue.Stream)
		logger.Printf("dispatching jobs to redis stream %s", cfg.Queue.Stream)
	default:
		orch, err := newOrchestrator(cfg, st, meter, tracer)
		if err != nil {
			return err
		}
		inline = orchestrator.NewInlineDispatcher(orch, cfg.Orchestrator.MaxConcurrentJobs, newLogger("[DISPATCH] "))
		dispatcher = inline
	}

	srv := server.New(cfg.Server, st, dispatcher, tel.Handler(), logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if inline != nil {
		if err := inline.Wait(shutdownCtx); err != nil {
			log.Printf("jobs still running at shutdown: %v", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
