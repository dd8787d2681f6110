package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"github.com/antimomentum/antimomentum/internal/store"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// errAbandoned marks jobs whose previous worker died mid-execution.
var errAbandoned = errors.New("job abandoned by a previous worker")

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	GetJob(ctx context.Context, id int64) (store.JobResponse, bool, error)
}

// JobRunner executes jobs and records failures. MarkFailed fails the job
// together with any step left unfinished.
type JobRunner interface {
	Supervise(ctx context.Context, jobID int64, prompt string)
	MarkFailed(ctx context.Context, jobID int64, cause error)
}

// Processor consumes job.enqueued events and runs each job once.
type Processor struct {
	logger    *log.Logger
	store     StoreAPI
	runner    JobRunner
	consumer  *streams.Consumer
	stream    string
	block     time.Duration
	claimIdle time.Duration
	limit     int
	tracer    trace.Tracer

	jobCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. maxConcurrent bounds how many jobs this
// worker executes at once (<= 0 means one at a time).
func NewProcessor(logger *log.Logger, st StoreAPI, runner JobRunner, cons *streams.Consumer, queue config.QueueConfig, maxConcurrent int, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("worker")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	p := &Processor{
		logger:    logger,
		store:     st,
		runner:    runner,
		consumer:  cons,
		stream:    queue.Stream,
		block:     queue.Block,
		claimIdle: queue.ClaimIdle,
		limit:     maxConcurrent,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		p.jobCounter, err = meter.Int64Counter("worker_jobs_handled_total")
		if err != nil {
			logger.Printf("warn: create job counter failed: %v", err)
		}
		if cons != nil {
			p.registerBacklogGauges(meter)
		}
	}
	return p
}

// registerBacklogGauges reports the consumer group's pending and unread
// entries on every collection.
func (p *Processor) registerBacklogGauges(meter otelmetric.Meter) {
	pending, err := meter.Int64ObservableGauge("worker_stream_pending",
		otelmetric.WithDescription("Entries delivered to the group but not yet acknowledged"))
	if err != nil {
		p.logger.Printf("warn: create pending gauge failed: %v", err)
		return
	}
	lag, err := meter.Int64ObservableGauge("worker_stream_lag",
		otelmetric.WithDescription("Entries not yet delivered to the group"))
	if err != nil {
		p.logger.Printf("warn: create lag gauge failed: %v", err)
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("stream", p.stream))
	_, err = meter.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		m, err := p.consumer.Lag(ctx, p.stream)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, m.Pending, attrs)
		if m.Lag >= 0 {
			o.ObserveInt64(lag, m.Lag, attrs)
		}
		return nil
	}, pending, lag)
	if err != nil {
		p.logger.Printf("warn: register backlog gauges failed: %v", err)
	}
}

// Start blocks, processing events until ctx is cancelled. Jobs that are
// already running finish before Start returns.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.stream)
	var g errgroup.Group
	g.SetLimit(p.limit)
	defer func() {
		_ = g.Wait()
		p.logger.Printf("worker processor stopped")
	}()

	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		if p.claimIdle > 0 && time.Since(lastClaim) >= p.claimIdle {
			p.reclaim(ctx, &g)
			lastClaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, p.stream, p.block, 1)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				p.handle(ctx, msg, false)
				return nil
			})
		}
	}
}

// reclaim takes over entries left pending by consumers that stopped without
// acknowledging them.
func (p *Processor) reclaim(ctx context.Context, g *errgroup.Group) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.stream, p.claimIdle, start, 16)
		if err != nil {
			p.logger.Printf("warn: reclaim pending entries failed: %v", err)
			return
		}
		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				p.handle(ctx, msg, true)
				return nil
			})
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// handle runs the job carried by msg and acknowledges the entry afterwards.
// Entries whose job could not be loaded stay pending for a later reclaim.
// Job execution is detached from ctx so shutdown does not cut a job short.
func (p *Processor) handle(ctx context.Context, msg streams.Message, reclaimed bool) {
	jobCtx := context.WithoutCancel(ctx)
	jobCtx, span := p.tracer.Start(jobCtx, "worker.handle_job", trace.WithAttributes(
		attribute.String("stream.id", msg.ID),
		attribute.Bool("reclaimed", reclaimed),
	))
	defer span.End()

	if p.claimIdle > 0 {
		stop := p.keepAlive(jobCtx, msg.ID)
		defer stop()
	}
	outcome, err := p.run(jobCtx, msg)
	if err != nil {
		p.logger.Printf("error handling message %s: %v", msg.ID, err)
	}
	if outcome != outcomeError {
		if err := p.consumer.Ack(jobCtx, p.stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
	if p.jobCounter != nil {
		p.jobCounter.Add(jobCtx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// keepAlive touches the entry at half the claim interval while its job runs
// so that other workers do not reclaim it as abandoned.
func (p *Processor) keepAlive(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := p.claimIdle / 2
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.consumer.Touch(ctx, p.stream, id); err != nil && ctx.Err() == nil {
					p.logger.Printf("warn: keep-alive for message %s failed: %v", id, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

const outcomeError = "error"

func (p *Processor) run(ctx context.Context, msg streams.Message) (string, error) {
	var payload streams.JobEnqueued
	if err := msg.Envelope.Decode(&payload); err != nil {
		return "invalid", err
	}
	job, ok, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return outcomeError, fmt.Errorf("load job %d: %w", payload.JobID, err)
	}
	if !ok {
		return "missing", fmt.Errorf("job %d not found", payload.JobID)
	}
	switch {
	case job.Status.Terminal():
		p.logger.Printf("skip job %d: already %s", job.ID, job.Status)
		return "duplicate", nil
	case job.Status != store.JobStatusPending:
		// a worker died after starting this job; steps are not retried and
		// the one it was running is failed along with the job
		p.runner.MarkFailed(ctx, job.ID, errAbandoned)
		return "abandoned", nil
	}
	p.runner.Supervise(ctx, job.ID, payload.Prompt)
	return "processed", nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
