// Package orchestrator drives a job from planning through sequential step
// execution to a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/antimomentum/antimomentum/internal/planner"
	"github.com/antimomentum/antimomentum/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const cleanupTimeout = 5 * time.Second

// StoreAPI captures the store methods required by the orchestrator.
type StoreAPI interface {
	GetJob(ctx context.Context, id int64) (store.JobResponse, bool, error)
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus) error
	CreateStep(ctx context.Context, jobID int64, title, tool string, order int) (store.Step, error)
	UpdateStepStatus(ctx context.Context, id int64, status store.StepStatus, output *string) error
}

// Planner produces plans; it never fails.
type Planner interface {
	Plan(ctx context.Context, jobID int64, prompt string) planner.Plan
}

// ToolExecutor runs a single tool invocation.
type ToolExecutor interface {
	Execute(ctx context.Context, tool, input string) (string, error)
}

// StepError reports the step whose tool failed and ended the job.
type StepError struct {
	Order int
	Tool  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Order, e.Tool, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator executes jobs.
type Orchestrator struct {
	store   StoreAPI
	planner Planner
	tools   ToolExecutor
	logger  *log.Logger
	tracer  trace.Tracer

	jobCounter  otelmetric.Int64Counter
	stepCounter otelmetric.Int64Counter
	jobDuration otelmetric.Float64Histogram
}

// New constructs an Orchestrator. A nil meter or tracer falls back to the
// global providers.
func New(st StoreAPI, pl Planner, tools ToolExecutor, logger *log.Logger, meter otelmetric.Meter, tracer trace.Tracer) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if meter == nil {
		meter = otel.Meter("antimomentum/orchestrator")
	}
	if tracer == nil {
		tracer = otel.Tracer("antimomentum/orchestrator")
	}
	o := &Orchestrator{store: st, planner: pl, tools: tools, logger: logger, tracer: tracer}

	var err error
	o.jobCounter, err = meter.Int64Counter("jobs_finished_total",
		otelmetric.WithDescription("Jobs that reached a terminal status"))
	if err != nil {
		logger.Printf("warn: create job counter failed: %v", err)
	}
	o.stepCounter, err = meter.Int64Counter("steps_finished_total",
		otelmetric.WithDescription("Steps that reached a terminal status"))
	if err != nil {
		logger.Printf("warn: create step counter failed: %v", err)
	}
	o.jobDuration, err = meter.Float64Histogram("job_duration_seconds",
		otelmetric.WithDescription("Time from planning to terminal status"),
		otelmetric.WithUnit("s"))
	if err != nil {
		logger.Printf("warn: create job duration histogram failed: %v", err)
	}
	return o
}

// Process plans and executes a job. Steps run strictly one after another;
// the first tool failure marks its step and the job failed and skips the
// rest. A persistence failure is fatal to the job: the in-flight step and
// the job are marked failed on a best-effort basis, and a panic is handled
// the same way. The returned error is nil only when the job completed.
func (o *Orchestrator) Process(ctx context.Context, jobID int64, prompt string) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(attribute.Int64("job.id", jobID)))
	start := time.Now()
	completed := false
	var inFlight int64
	defer func() {
		status := store.JobStatusFailed
		if completed {
			status = store.JobStatusCompleted
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.recordJob(ctx, status, time.Since(start))
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("job %d: panic: %v\n%s", jobID, r, debug.Stack())
			err = o.abort(ctx, jobID, inFlight, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := o.store.UpdateJobStatus(ctx, jobID, store.JobStatusPlanning); err != nil {
		return o.abort(ctx, jobID, 0, fmt.Errorf("mark job planning: %w", err))
	}

	plan := o.planner.Plan(ctx, jobID, prompt)
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)), attribute.Bool("plan.fallback", plan.Fallback))

	if err := o.store.UpdateJobStatus(ctx, jobID, store.JobStatusExecuting); err != nil {
		return o.abort(ctx, jobID, 0, fmt.Errorf("mark job executing: %w", err))
	}

	for _, ps := range executionOrder(plan.Steps) {
		if err := o.runStep(ctx, jobID, prompt, ps, &inFlight); err != nil {
			return err
		}
	}

	if err := o.store.UpdateJobStatus(ctx, jobID, store.JobStatusCompleted); err != nil {
		return o.abort(ctx, jobID, 0, fmt.Errorf("mark job completed: %w", err))
	}
	completed = true
	o.logger.Printf("job %d completed: %d steps in %v", jobID, len(plan.Steps), time.Since(start))
	return nil
}

// runStep executes one plan step. inFlight holds the step's id from creation
// until the step reaches a terminal status.
func (o *Orchestrator) runStep(ctx context.Context, jobID int64, prompt string, ps planner.Step, inFlight *int64) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.Int64("job.id", jobID),
		attribute.Int("step.order", ps.Order),
		attribute.String("step.tool", ps.Tool),
	))
	defer span.End()

	step, err := o.store.CreateStep(ctx, jobID, ps.Title, ps.Tool, ps.Order)
	if err != nil {
		return o.abort(ctx, jobID, 0, fmt.Errorf("create step %d: %w", ps.Order, err))
	}
	*inFlight = step.ID
	if err := o.store.UpdateStepStatus(ctx, step.ID, store.StepStatusInProgress, nil); err != nil {
		return o.abort(ctx, jobID, step.ID, fmt.Errorf("mark step %d in progress: %w", step.ID, err))
	}

	input := ps.Input
	if strings.TrimSpace(input) == "" {
		input = prompt
	}
	output, toolErr := o.tools.Execute(ctx, ps.Tool, input)
	if toolErr != nil {
		span.RecordError(toolErr)
		span.SetStatus(codes.Error, toolErr.Error())
		o.recordStep(ctx, ps.Tool, store.StepStatusFailed)
		msg := toolErr.Error()
		if err := o.store.UpdateStepStatus(ctx, step.ID, store.StepStatusFailed, &msg); err != nil {
			return o.abort(ctx, jobID, step.ID, fmt.Errorf("mark step %d failed: %w", step.ID, err))
		}
		*inFlight = 0
		stepErr := &StepError{Order: ps.Order, Tool: ps.Tool, Err: toolErr}
		o.logger.Printf("job %d: %v", jobID, stepErr)
		if err := o.store.UpdateJobStatus(ctx, jobID, store.JobStatusFailed); err != nil {
			return errors.Join(stepErr, fmt.Errorf("mark job failed: %w", err))
		}
		return stepErr
	}

	if err := o.store.UpdateStepStatus(ctx, step.ID, store.StepStatusCompleted, &output); err != nil {
		return o.abort(ctx, jobID, step.ID, fmt.Errorf("mark step %d completed: %w", step.ID, err))
	}
	*inFlight = 0
	o.recordStep(ctx, ps.Tool, store.StepStatusCompleted)
	return nil
}

// abort marks the in-flight step (when stepID > 0) and the job failed, then
// returns cause. The marks use a fresh context so they still run when ctx is
// done.
func (o *Orchestrator) abort(ctx context.Context, jobID, stepID int64, cause error) error {
	o.logger.Printf("job %d: aborting: %v", jobID, cause)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if stepID > 0 {
		msg := cause.Error()
		if err := o.store.UpdateStepStatus(cleanupCtx, stepID, store.StepStatusFailed, &msg); err != nil {
			o.logger.Printf("job %d: could not mark step %d failed: %v", jobID, stepID, err)
		}
	}
	if err := o.store.UpdateJobStatus(cleanupCtx, jobID, store.JobStatusFailed); err != nil {
		o.logger.Printf("job %d: could not mark job failed: %v", jobID, err)
	}
	return cause
}

// MarkFailed records a job as failed outside of Process, e.g. after a panic
// or when its worker died. Every step that has not finished is marked failed
// with cause before the job is.
func (o *Orchestrator) MarkFailed(ctx context.Context, jobID int64, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	job, ok, err := o.store.GetJob(cleanupCtx, jobID)
	switch {
	case err != nil:
		o.logger.Printf("job %d: could not load steps: %v", jobID, err)
	case ok:
		msg := cause.Error()
		for _, step := range job.Steps {
			if step.Status.Terminal() {
				continue
			}
			if err := o.store.UpdateStepStatus(cleanupCtx, step.ID, store.StepStatusFailed, &msg); err != nil {
				o.logger.Printf("job %d: could not mark step %d failed: %v", jobID, step.ID, err)
			}
		}
	}
	_ = o.abort(ctx, jobID, 0, cause)
}

// executionOrder sorts steps by order, keeping plan order for ties, and then
// bumps every order that does not exceed its predecessor so the sequence is
// strictly ascending. Orders are stored as 32-bit integers: out of range
// values are clamped, and when bumping would pass the maximum the steps are
// renumbered from 1.
func executionOrder(steps []planner.Step) []planner.Step {
	out := make([]planner.Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Order = clampOrder(out[i].Order)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := 1; i < len(out); i++ {
		if out[i].Order <= out[i-1].Order {
			out[i].Order = out[i-1].Order + 1
		}
	}
	if n := len(out); n > 0 && out[n-1].Order > math.MaxInt32 {
		for i := range out {
			out[i].Order = i + 1
		}
	}
	return out
}

func clampOrder(order int) int {
	switch {
	case order > math.MaxInt32:
		return math.MaxInt32
	case order < math.MinInt32:
		return math.MinInt32
	}
	return order
}

func (o *Orchestrator) recordJob(ctx context.Context, status store.JobStatus, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("status", string(status)))
	if o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, attrs)
	}
	if o.jobDuration != nil {
		o.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (o *Orchestrator) recordStep(ctx context.Context, tool string, status store.StepStatus) {
	if o.stepCounter != nil {
		o.stepCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", string(status)),
		))
	}
}
