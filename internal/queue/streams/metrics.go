package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	streamEvents      otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("antimomentum/queue/streams")
	var err error
	streamEvents, err = meter.Int64Counter(
		"stream_events_total",
		otelmetric.WithDescription("Stream entries by action (published, publish_failed, consumed, dropped)"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_total: %v", err)
	}
}

func recordEvent(ctx context.Context, action, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if streamEvents == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	streamEvents.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action", action),
		attribute.String("event_type", eventType),
	))
}
