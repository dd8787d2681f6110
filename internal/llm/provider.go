package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antimomentum/antimomentum/config"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Provider produces a completion for a system instruction and a user prompt.
type Provider interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ErrNoAPIKey is returned when no API key has been configured.
var ErrNoAPIKey = errors.New("llm api key not configured")

var (
	metricsOnce    sync.Once
	requestCounter otelmetric.Int64Counter
	latencyHisto   otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("antimomentum/llm")
	var err error
	requestCounter, err = meter.Int64Counter("llm_requests_total",
		otelmetric.WithDescription("Chat completion requests by outcome"))
	if err != nil {
		log.Printf("llm metrics init: requests counter: %v", err)
	}
	latencyHisto, err = meter.Float64Histogram("llm_request_seconds",
		otelmetric.WithDescription("Chat completion latency"),
		otelmetric.WithUnit("s"))
	if err != nil {
		log.Printf("llm metrics init: latency histogram: %v", err)
	}
}

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint
// (OpenRouter by default).
type OpenAIProvider struct {
	cfg    config.LLMConfig
	client *openai.Client
	logger *log.Logger
}

// NewOpenAIProvider builds a provider from configuration.
func NewOpenAIProvider(cfg config.LLMConfig, logger *log.Logger) *OpenAIProvider {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	headers := map[string]string{}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.Title != "" {
		headers["X-Title"] = cfg.Title
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}
	return &OpenAIProvider{cfg: cfg, client: openai.NewClientWithConfig(oc), logger: logger}
}

// Generate sends a two-message chat completion and returns the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	metricsOnce.Do(initMetrics)
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		p.record(ctx, "no_api_key", 0)
		return "", ErrNoAPIKey
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(p.cfg.Temperature),
		MaxTokens:   p.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		p.record(ctx, "error", elapsed)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		p.record(ctx, "empty", elapsed)
		return "", fmt.Errorf("chat completion: no choices in response")
	}
	p.record(ctx, "ok", elapsed)
	p.logger.Printf("completion model=%s tokens=%d latency=%s", p.cfg.Model, resp.Usage.TotalTokens, elapsed)
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("model", p.cfg.Model),
		attribute.String("outcome", outcome),
	)
	if requestCounter != nil {
		requestCounter.Add(ctx, 1, attrs)
	}
	if latencyHisto != nil && elapsed > 0 {
		latencyHisto.Record(ctx, elapsed.Seconds(), attrs)
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
