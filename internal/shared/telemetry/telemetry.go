// Package telemetry wraps the OpenTelemetry API for the query cache.
//
// Instruments are created from the global tracer and meter providers, so they
// are no-ops until the host process installs an SDK.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "school-portal/querycache"

// Instruments groups the tracer and counters used by the query cache.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: recording never fails; instrument creation errors fall back to no-ops.
type Instruments struct {
	tracer trace.Tracer

	hits          metric.Int64Counter
	misses        metric.Int64Counter
	evictions     metric.Int64Counter
	rejected      metric.Int64Counter
	remoteErrors  metric.Int64Counter
	subscriptions metric.Int64UpDownCounter
}

// New creates Instruments from the global OpenTelemetry providers.
func New() *Instruments {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders creates Instruments from explicit providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Instruments {
	meter := mp.Meter(instrumentationName)
	fallback := metricnoop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	subs, err := meter.Int64UpDownCounter("querycache.subscriptions.active",
		metric.WithDescription("Live remote listeners currently open"))
	if err != nil {
		subs, _ = fallback.Int64UpDownCounter("querycache.subscriptions.active")
	}

	return &Instruments{
		tracer:        tp.Tracer(instrumentationName),
		hits:          counter("querycache.hits", "Fresh cache reads served without waiting for the remote store"),
		misses:        counter("querycache.misses", "Cache reads that found no fresh entry"),
		evictions:     counter("querycache.evictions", "Entries removed by the reaper"),
		rejected:      counter("querycache.writes.rejected", "Writes discarded because a later-issued write was already applied"),
		remoteErrors:  counter("querycache.remote.errors", "Remote store failures"),
		subscriptions: subs,
	}
}

// StartSpan starts a span tagged with the collection and query identity.
func (i *Instruments) StartSpan(ctx context.Context, name, collection, queryID string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("querycache.collection", collection),
		attribute.String("querycache.query_id", queryID),
	))
}

// EndSpan ends the span, recording err when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func collectionAttr(collection string) metric.AddOption {
	return metric.WithAttributes(attribute.String("querycache.collection", collection))
}

// CacheHit records a fresh read.
func (i *Instruments) CacheHit(ctx context.Context, collection string) {
	i.hits.Add(ctx, 1, collectionAttr(collection))
}

// CacheMiss records a read that found nothing fresh.
func (i *Instruments) CacheMiss(ctx context.Context, collection string) {
	i.misses.Add(ctx, 1, collectionAttr(collection))
}

// Evicted records n evictions.
func (i *Instruments) Evicted(ctx context.Context, n int) {
	if n > 0 {
		i.evictions.Add(ctx, int64(n))
	}
}

// WriteRejected records an out-of-order write.
func (i *Instruments) WriteRejected(ctx context.Context, collection string) {
	i.rejected.Add(ctx, 1, collectionAttr(collection))
}

// RemoteError records a remote store failure.
func (i *Instruments) RemoteError(ctx context.Context, collection string) {
	i.remoteErrors.Add(ctx, 1, collectionAttr(collection))
}

// SubscriptionOpened and SubscriptionClosed track live listeners.
func (i *Instruments) SubscriptionOpened(ctx context.Context, collection string) {
	i.subscriptions.Add(ctx, 1, collectionAttr(collection))
}

func (i *Instruments) SubscriptionClosed(ctx context.Context, collection string) {
	i.subscriptions.Add(ctx, -1, collectionAttr(collection))
}
