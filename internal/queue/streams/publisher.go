package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Publisher appends schema-checked envelopes to Redis Streams.
type Publisher struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	maxLen   int64
}

// NewPublisher creates a Publisher. maxLen > 0 trims streams approximately
// to that many entries on every append.
func NewPublisher(client redis.Cmdable, registry *SchemaRegistry, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, maxLen: maxLen}
}

// Publish validates envelope and appends it to stream, returning the entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if envelope.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			envelope.TraceID = sc.TraceID().String()
		}
	}
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(envelope.EventType, envelope.PayloadVersion, envelope.Data); err != nil {
			return "", err
		}
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		recordEvent(ctx, "publish_failed", envelope.EventType)
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordEvent(ctx, "published", envelope.EventType)
	return id, nil
}

// PublishPayload wraps payload in a new envelope and publishes it.
func (p *Publisher) PublishPayload(ctx context.Context, stream, eventType, version string, payload interface{}) (string, error) {
	env, err := NewEnvelope(eventType, version, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env)
}
