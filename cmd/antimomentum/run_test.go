package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/antimomentum/antimomentum/internal/store"
)

func TestLocalURL(t *testing.T) {
	cases := map[string]string{
		":5000":          "http://localhost:5000",
		"127.0.0.1:8080": "http://127.0.0.1:8080",
	}
	for in, want := range cases {
		if got := localURL(in); got != want {
			t.Fatalf("localURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProgressPrinterReportsTransitionsOnce(t *testing.T) {
	var buf bytes.Buffer
	p := &progressPrinter{out: &buf, steps: map[int64]store.StepStatus{}}
	reasoning := "Search first."
	out := "Simulated search results for: x"

	p.print(store.JobResponse{Job: store.Job{ID: 1, Status: store.JobStatusPending}})
	p.print(store.JobResponse{Job: store.Job{ID: 1, Status: store.JobStatusPending}})
	p.print(store.JobResponse{
		Job:   store.Job{ID: 1, Status: store.JobStatusExecuting, Reasoning: &reasoning},
		Steps: []store.Step{{ID: 1, Order: 1, Title: "Search", Tool: "web_search", Status: store.StepStatusInProgress}},
	})
	p.print(store.JobResponse{
		Job:   store.Job{ID: 1, Status: store.JobStatusCompleted, Reasoning: &reasoning},
		Steps: []store.Step{{ID: 1, Order: 1, Title: "Search", Tool: "web_search", Status: store.StepStatusCompleted, Output: &out}},
	})

	got := buf.String()
	if strings.Count(got, "status: pending") != 1 {
		t.Fatalf("pending reported more than once:\n%s", got)
	}
	for _, want := range []string{"status: executing", "reasoning: Search first.", "[1] Search (web_search): in_progress", "[1] Search (web_search): completed", out, "status: completed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Count(got, "reasoning:") != 1 {
		t.Fatalf("reasoning repeated:\n%s", got)
	}
}
