package planner

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"
)

type fakeProvider struct {
	response string
	err      error
	system   string
	prompt   string
}

func (f *fakeProvider) Generate(_ context.Context, system, prompt string) (string, error) {
	f.system = system
	f.prompt = prompt
	return f.response, f.err
}

type fakeReasoningStore struct {
	calls map[int64]string
	err   error
}

func (f *fakeReasoningStore) UpdateJobReasoning(_ context.Context, id int64, reasoning string) error {
	if f.err != nil {
		return f.err
	}
	if f.calls == nil {
		f.calls = map[int64]string{}
	}
	f.calls[id] = reasoning
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func assertFallback(t *testing.T, plan Plan, prompt string) {
	t.Helper()
	if !plan.Fallback {
		t.Fatalf("expected fallback plan, got %+v", plan)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 fallback steps, got %d", len(plan.Steps))
	}
	first, second := plan.Steps[0], plan.Steps[1]
	if first.Title != "Processing Prompt" || first.Tool != "summarize" || first.Order != 1 || first.Input != prompt {
		t.Fatalf("unexpected first fallback step %+v", first)
	}
	if second.Title != "Executing Task" || second.Tool != "code_exec" || second.Order != 2 {
		t.Fatalf("unexpected second fallback step %+v", second)
	}
	if plan.Reasoning != nil {
		t.Fatalf("fallback plan must not carry reasoning, got %q", *plan.Reasoning)
	}
}

func TestPlanFromObjectResponse(t *testing.T) {
	provider := &fakeProvider{response: `Here is the plan:
{"reasoning": "Search first, then <b>summarize</b>.",
 "steps": [
   {"title": "Search", "tool": "web_search", "order": 1, "input": "quantum computing"},
   {"title": "Summarize {findings}", "tool": "summarize", "order": 2, "input": ""}
 ]}`}
	store := &fakeReasoningStore{}
	p := New(provider, store, quietLogger())

	plan := p.Plan(context.Background(), 7, "Research quantum computing")
	if plan.Fallback {
		t.Fatal("did not expect fallback")
	}
	if provider.system != SystemPrompt || provider.prompt != "Research quantum computing" {
		t.Fatalf("provider received unexpected input: %q / %q", provider.system, provider.prompt)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Tool != "web_search" || plan.Steps[0].Input != "quantum computing" {
		t.Fatalf("unexpected first step %+v", plan.Steps[0])
	}
	if plan.Steps[1].Title != "Summarize {findings}" || plan.Steps[1].Order != 2 {
		t.Fatalf("unexpected second step %+v", plan.Steps[1])
	}
	if plan.Reasoning == nil || *plan.Reasoning != "Search first, then summarize." {
		t.Fatalf("unexpected reasoning %v", plan.Reasoning)
	}
	if store.calls[7] != "Search first, then summarize." {
		t.Fatalf("reasoning not persisted: %v", store.calls)
	}
}

func TestPlanDefaultsReasoningPlaceholder(t *testing.T) {
	provider := &fakeProvider{response: `{"steps": [{"title": "Outline", "tool": "outline_generator", "order": 1, "input": "essay"}]}`}
	store := &fakeReasoningStore{}
	plan := New(provider, store, quietLogger()).Plan(context.Background(), 3, "essay")
	if plan.Reasoning == nil || *plan.Reasoning != "No reasoning provided." {
		t.Fatalf("expected placeholder reasoning, got %v", plan.Reasoning)
	}
	if store.calls[3] != "No reasoning provided." {
		t.Fatalf("placeholder reasoning not persisted: %v", store.calls)
	}
}

func TestPlanFromBareArray(t *testing.T) {
	provider := &fakeProvider{response: `[{"title": "A", "tool": "summarize", "order": 1, "input": "x"},
{"title": "B", "tool": "finalize_project", "order": 2}]`}
	store := &fakeReasoningStore{}
	plan := New(provider, store, quietLogger()).Plan(context.Background(), 1, "p")
	if plan.Fallback {
		t.Fatal("did not expect fallback for array response")
	}
	if len(plan.Steps) != 2 || plan.Steps[1].Tool != "finalize_project" {
		t.Fatalf("unexpected steps %+v", plan.Steps)
	}
	if plan.Reasoning != nil {
		t.Fatalf("array plans carry no reasoning, got %q", *plan.Reasoning)
	}
	if len(store.calls) != 0 {
		t.Fatalf("reasoning must not be written for array plans: %v", store.calls)
	}
}

func TestPlanFromFencedResponse(t *testing.T) {
	provider := &fakeProvider{response: "```json\n{\"reasoning\": \"r\", \"steps\": [{\"title\": \"Run\", \"tool\": \"code_exec\", \"order\": 1, \"input\": \"console.log(1)\"}]}\n```"}
	plan := New(provider, nil, quietLogger()).Plan(context.Background(), 1, "p")
	if plan.Fallback || len(plan.Steps) != 1 || plan.Steps[0].Input != "console.log(1)" {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestPlanKeepsOrdersVerbatim(t *testing.T) {
	provider := &fakeProvider{response: `{"steps": [
  {"title": "Later", "tool": "summarize", "order": 5},
  {"title": "Earlier", "tool": "web_search", "order": 2},
  {"title": "Unnumbered", "tool": "synthesize"}
]}`}
	plan := New(provider, nil, quietLogger()).Plan(context.Background(), 1, "p")
	got := []int{plan.Steps[0].Order, plan.Steps[1].Order, plan.Steps[2].Order}
	want := []int{5, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("orders = %v, want %v", got, want)
		}
	}
}

func TestPlanClampsOrdersToInt32(t *testing.T) {
	provider := &fakeProvider{response: `{"steps": [
  {"title": "Huge", "tool": "summarize", "order": 3000000000},
  {"title": "Tiny", "tool": "web_search", "order": -1e300}
]}`}
	plan := New(provider, nil, quietLogger()).Plan(context.Background(), 1, "p")
	if plan.Fallback {
		t.Fatalf("unexpected fallback plan")
	}
	if plan.Steps[0].Order != math.MaxInt32 || plan.Steps[1].Order != math.MinInt32 {
		t.Fatalf("orders = %d, %d", plan.Steps[0].Order, plan.Steps[1].Order)
	}
}

func TestPlanNonStringInputIsEncoded(t *testing.T) {
	provider := &fakeProvider{response: `{"steps": [{"title": "CSV", "tool": "analyze_csv", "order": 1, "input": {"rows": [1, 2]}}]}`}
	plan := New(provider, nil, quietLogger()).Plan(context.Background(), 1, "p")
	if plan.Steps[0].Input != `{"rows":[1,2]}` {
		t.Fatalf("unexpected input %q", plan.Steps[0].Input)
	}
}

func TestPlanFallsBackOnMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"prose":         "I cannot help with that.",
		"truncated":     `{"reasoning": "r", "steps": [{"title": "A", "tool": "summarize"`,
		"no steps key":  `{"reasoning": "only reasoning"}`,
		"empty steps":   `{"reasoning": "r", "steps": []}`,
		"empty array":   `[]`,
		"missing tool":  `{"steps": [{"title": "A", "order": 1}]}`,
		"invalid json":  `{"steps": [{"tool": summarize}]}`,
		"fence no json": "```\nnothing here\n```",
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			store := &fakeReasoningStore{}
			plan := New(&fakeProvider{response: response}, store, quietLogger()).Plan(context.Background(), 9, "do things")
			assertFallback(t, plan, "do things")
			if len(store.calls) != 0 {
				t.Fatalf("fallback must not write reasoning: %v", store.calls)
			}
		})
	}
}

func TestPlanFallsBackOnProviderError(t *testing.T) {
	plan := New(&fakeProvider{err: errors.New("timeout")}, nil, quietLogger()).Plan(context.Background(), 1, "hello")
	assertFallback(t, plan, "hello")
}

func TestPlanFallsBackWithoutProvider(t *testing.T) {
	assertFallback(t, New(nil, nil, quietLogger()).Plan(context.Background(), 1, ""), "")
}

func TestPlanFallsBackWhenReasoningWriteFails(t *testing.T) {
	provider := &fakeProvider{response: `{"reasoning": "r", "steps": [{"title": "A", "tool": "summarize", "order": 1}]}`}
	store := &fakeReasoningStore{err: errors.New("connection reset")}
	assertFallback(t, New(provider, store, quietLogger()).Plan(context.Background(), 1, "x"), "x")
}

func TestFallbackPlanQuotesPrompt(t *testing.T) {
	plan := FallbackPlan(`say "hi" <now>`)
	want := `console.log("Processing complete for: " + "say \"hi\" <now>")`
	if plan.Steps[1].Input != want {
		t.Fatalf("got %q, want %q", plan.Steps[1].Input, want)
	}
}
