package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/antimomentum/antimomentum/internal/helpers"
	"github.com/antimomentum/antimomentum/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	placeholderReasoning = "No reasoning provided."
	maxTitleLength       = 200
	maxReasoningLength   = 4000
)

// SystemPrompt is the fixed instruction sent with every planning request.
const SystemPrompt = `You are the planning component of a task automation system.
Break the user's request into a short sequence of executable steps.

Available tools:
- web_search: look up information (input: search query)
- summarize: condense text (input: text to summarize)
- synthesize: combine earlier findings into a single answer
- visual_synthesis: describe a visual layout or chart for the findings
- outline_generator: produce a structured outline (input: topic)
- analyze_csv: inspect tabular CSV data (input: CSV text)
- finalize_project: package the final deliverable
- code_exec: run JavaScript with Node.js (input: source code)
- python_exec: run Python 3 (input: source code)

Respond with JSON only, no prose and no Markdown, using exactly this shape:
{"reasoning": "why these steps", "steps": [{"title": "short title", "tool": "tool name", "order": 1, "input": "tool input"}]}
Number steps with "order" starting at 1.`

// Step is a single planned unit of work.
type Step struct {
	Title string `json:"title"`
	Tool  string `json:"tool"`
	Order int    `json:"order"`
	Input string `json:"input"`
}

// Plan is the planner's result. Fallback is set when the fixed plan was used.
type Plan struct {
	Reasoning *string `json:"reasoning,omitempty"`
	Steps     []Step  `json:"steps"`
	Fallback  bool    `json:"-"`
}

// ReasoningWriter persists plan reasoning for a job.
type ReasoningWriter interface {
	UpdateJobReasoning(ctx context.Context, id int64, reasoning string) error
}

// Planner turns prompts into plans using an LLM provider.
type Planner struct {
	provider llm.Provider
	store    ReasoningWriter
	logger   *log.Logger
}

var (
	metricsOnce  sync.Once
	plansCounter otelmetric.Int64Counter
	planLatency  otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("antimomentum/planner")
	var err error
	plansCounter, err = meter.Int64Counter("planner_plans_total",
		otelmetric.WithDescription("Plans produced, by source"))
	if err != nil {
		log.Printf("planner metrics init: plans counter: %v", err)
	}
	planLatency, err = meter.Float64Histogram("planner_plan_seconds",
		otelmetric.WithDescription("Time spent producing a plan"),
		otelmetric.WithUnit("s"))
	if err != nil {
		log.Printf("planner metrics init: latency histogram: %v", err)
	}
}

// New creates a planner. A nil provider always yields the fallback plan.
func New(provider llm.Provider, store ReasoningWriter, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{provider: provider, store: store, logger: logger}
}

// Plan produces a plan for prompt. It never fails: any provider, parse or
// persistence problem results in FallbackPlan(prompt).
func (p *Planner) Plan(ctx context.Context, jobID int64, prompt string) Plan {
	metricsOnce.Do(initMetrics)
	start := time.Now()

	plan, err := p.plan(ctx, jobID, prompt)
	source := "llm"
	if err != nil {
		p.logger.Printf("job %d: planning failed, using fallback plan: %v", jobID, err)
		plan = FallbackPlan(prompt)
		source = "fallback"
	} else {
		p.logger.Printf("job %d: planned %d steps in %v", jobID, len(plan.Steps), time.Since(start))
	}

	attrs := otelmetric.WithAttributes(attribute.String("source", source))
	if plansCounter != nil {
		plansCounter.Add(ctx, 1, attrs)
	}
	if planLatency != nil {
		planLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	return plan
}

func (p *Planner) plan(ctx context.Context, jobID int64, prompt string) (Plan, error) {
	if p.provider == nil {
		return Plan{}, errors.New("no llm provider configured")
	}
	response, err := p.provider.Generate(ctx, SystemPrompt, prompt)
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan: %w", err)
	}
	parsed, err := parsePlanResponse(response)
	if err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}

	plan := Plan{Steps: make([]Step, 0, len(parsed.Steps))}
	for i, raw := range parsed.Steps {
		plan.Steps = append(plan.Steps, normalizeStep(i, raw))
	}

	if parsed.HasReasoning {
		reasoning := helpers.PlainText(parsed.Reasoning, maxReasoningLength)
		if reasoning == "" {
			reasoning = placeholderReasoning
		}
		if p.store != nil {
			if err := p.store.UpdateJobReasoning(ctx, jobID, reasoning); err != nil {
				return Plan{}, fmt.Errorf("store reasoning: %w", err)
			}
		}
		plan.Reasoning = &reasoning
	}
	return plan, nil
}

func normalizeStep(index int, raw planDocStep) Step {
	step := Step{
		Title: helpers.PlainText(raw.Title, maxTitleLength),
		Tool:  strings.TrimSpace(raw.Tool),
		Order: index + 1,
		Input: rawInputText(raw.Input),
	}
	if raw.Order != nil {
		step.Order = orderValue(*raw.Order)
	}
	if step.Title == "" {
		step.Title = fmt.Sprintf("Step %d", index+1)
	}
	return step
}

// orderValue truncates a JSON number to an order that fits the 32-bit
// order column.
func orderValue(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

// rawInputText returns string inputs verbatim and any other JSON value as its
// compact encoding. null and absent inputs are empty.
func rawInputText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// FallbackPlan is the fixed two-step plan used whenever planning fails.
func FallbackPlan(prompt string) Plan {
	return Plan{
		Steps: []Step{
			{Title: "Processing Prompt", Tool: "summarize", Order: 1, Input: prompt},
			{Title: "Executing Task", Tool: "code_exec", Order: 2,
				Input: `console.log("Processing complete for: " + ` + jsQuote(prompt) + `)`},
		},
		Fallback: true,
	}
}

// jsQuote encodes s as a JSON string literal, which is also a valid
// JavaScript string literal.
func jsQuote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimRight(buf.String(), "\n")
}
