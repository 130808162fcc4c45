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
	publishedCounter  otelmetric.Int64Counter
	ackedCounter      otelmetric.Int64Counter
	droppedCounter    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("deepresearch/internal/queue/streams")
	var err error
	publishedCounter, err = meter.Int64Counter("queue_messages_published_total",
		otelmetric.WithDescription("Envelopes appended to task streams"))
	if err != nil {
		log.Printf("queue streams metrics init: queue_messages_published_total: %v", err)
	}
	ackedCounter, err = meter.Int64Counter("queue_messages_acked_total",
		otelmetric.WithDescription("Stream entries acknowledged after processing"))
	if err != nil {
		log.Printf("queue streams metrics init: queue_messages_acked_total: %v", err)
	}
	droppedCounter, err = meter.Int64Counter("queue_messages_dropped_total",
		otelmetric.WithDescription("Malformed stream entries acknowledged without processing"))
	if err != nil {
		log.Printf("queue streams metrics init: queue_messages_dropped_total: %v", err)
	}
}

func recordPublished(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedCounter != nil {
		publishedCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("event_type", eventType),
		))
	}
}

func recordAcked(ctx context.Context, stream string, n int) {
	streamMetricsOnce.Do(initStreamMetrics)
	if ackedCounter != nil {
		ackedCounter.Add(ctx, int64(n), otelmetric.WithAttributes(attribute.String("stream", stream)))
	}
}

func recordDropped(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedCounter != nil {
		droppedCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("reason", reason),
		))
	}
}
