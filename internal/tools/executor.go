// Package tools maps plan step tool names to their implementations.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/antimomentum/antimomentum/internal/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Tool names understood by the executor.
const (
	CodeExec        = "code_exec"
	PythonExec      = "python_exec"
	WebSearch       = "web_search"
	Summarize       = "summarize"
	Synthesize      = "synthesize"
	VisualSynthesis = "visual_synthesis"
	OutlineGen      = "outline_generator"
	AnalyzeCSV      = "analyze_csv"
	FinalizeProject = "finalize_project"
)

// Func implements a single tool.
type Func func(ctx context.Context, input string) (string, error)

// Executor dispatches tool invocations. Unknown tools are not an error: they
// produce a generic acknowledgement.
type Executor struct {
	mu     sync.RWMutex
	tools  map[string]Func
	logger *log.Logger
}

var (
	metricsOnce sync.Once
	execCounter otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("antimomentum/tools")
	var err error
	execCounter, err = meter.Int64Counter("tool_executions_total",
		otelmetric.WithDescription("Tool executions by tool and outcome"))
	if err != nil {
		log.Printf("tools metrics init: executions counter: %v", err)
	}
}

// NewExecutor returns an executor with the built-in tools registered. Code
// execution goes through sb; a nil sb disables it.
func NewExecutor(sb sandbox.Sandbox, logger *log.Logger) *Executor {
	if sb == nil {
		sb = sandbox.Disabled{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	e := &Executor{tools: map[string]Func{}, logger: logger}
	e.Register(CodeExec, runCode(sb, sandbox.LanguageJavaScript))
	e.Register(PythonExec, runCode(sb, sandbox.LanguagePython))
	e.Register(WebSearch, pure(webSearch))
	e.Register(Summarize, pure(summarize))
	e.Register(Synthesize, pure(synthesize))
	e.Register(VisualSynthesis, pure(visualSynthesis))
	e.Register(OutlineGen, pure(outline))
	e.Register(AnalyzeCSV, pure(analyzeCSV))
	e.Register(FinalizeProject, pure(finalizeProject))
	return e
}

// Register adds or replaces a tool.
func (e *Executor) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = fn
}

// Tools lists registered tool names in sorted order.
func (e *Executor) Tools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs tool with input.
func (e *Executor) Execute(ctx context.Context, tool, input string) (string, error) {
	metricsOnce.Do(initMetrics)
	e.mu.RLock()
	fn, ok := e.tools[tool]
	e.mu.RUnlock()

	outcome := "ok"
	var (
		out string
		err error
	)
	if !ok {
		outcome = "unknown_tool"
		out = fmt.Sprintf("Executed %s with input %s", tool, input)
	} else {
		out, err = fn(ctx, input)
		if err != nil {
			outcome = "error"
			e.logger.Printf("tool %s failed: %v", tool, err)
		}
	}
	if execCounter != nil {
		execCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcome),
		))
	}
	return out, err
}

func pure(fn func(string) string) Func {
	return func(_ context.Context, input string) (string, error) {
		return fn(input), nil
	}
}

func runCode(sb sandbox.Sandbox, lang sandbox.Language) Func {
	return func(ctx context.Context, input string) (string, error) {
		if strings.TrimSpace(input) == "" {
			return "", fmt.Errorf("%s: no code to run", lang)
		}
		out, err := sb.Run(ctx, sandbox.Program{Language: lang, Code: input})
		if err != nil {
			return out, fmt.Errorf("run %s code: %w", lang, err)
		}
		return out, nil
	}
}
