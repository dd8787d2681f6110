package orchestrator

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/antimomentum/antimomentum/internal/queue/streams"
	"golang.org/x/sync/semaphore"
)

// Dispatcher hands a freshly created job off for execution without waiting
// for it to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID int64, prompt string) error
}

// Supervise runs Process and turns a panic into a failed job. Errors are
// logged; the job status already reflects them.
func (o *Orchestrator) Supervise(ctx context.Context, jobID int64, prompt string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("job %d: panic: %v\n%s", jobID, r, debug.Stack())
			o.MarkFailed(ctx, jobID, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := o.Process(ctx, jobID, prompt); err != nil {
		o.logger.Printf("job %d failed: %v", jobID, err)
	}
}

// InlineDispatcher runs each job on its own goroutine inside the current
// process. Jobs outlive the request that created them.
type InlineDispatcher struct {
	orch   *Orchestrator
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewInlineDispatcher creates a dispatcher that runs at most maxConcurrent
// jobs at once; maxConcurrent <= 0 means unbounded.
func NewInlineDispatcher(orch *Orchestrator, maxConcurrent int, logger *log.Logger) *InlineDispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	d := &InlineDispatcher{orch: orch, logger: logger}
	if maxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return d
}

// Dispatch starts the job and returns immediately. Cancelling ctx does not
// affect the job.
func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID int64, prompt string) error {
	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.sem != nil {
			if err := d.sem.Acquire(jobCtx, 1); err != nil {
				d.logger.Printf("job %d: acquire slot: %v", jobID, err)
				d.orch.MarkFailed(jobCtx, jobID, err)
				return
			}
			defer d.sem.Release(1)
		}
		d.orch.Supervise(jobCtx, jobID, prompt)
	}()
	return nil
}

// Wait blocks until every dispatched job finished or ctx is done.
func (d *InlineDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// StreamDispatcher publishes job.enqueued events for worker processes.
type StreamDispatcher struct {
	publisher *streams.Publisher
	stream    string
}

func NewStreamDispatcher(publisher *streams.Publisher, stream string) *StreamDispatcher {
	if stream == "" {
		stream = streams.EventJobEnqueued
	}
	return &StreamDispatcher{publisher: publisher, stream: stream}
}

// Dispatch publishes the job; execution happens in whichever worker claims it.
func (d *StreamDispatcher) Dispatch(ctx context.Context, jobID int64, prompt string) error {
	payload := streams.JobEnqueued{JobID: jobID, Prompt: prompt}
	if _, err := d.publisher.PublishPayload(ctx, d.stream, streams.EventJobEnqueued, streams.VersionV1, payload); err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	return nil
}

var (
	_ Dispatcher = (*InlineDispatcher)(nil)
	_ Dispatcher = (*StreamDispatcher)(nil)
)
