package tokencache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/meridianid/msid-go/internal/tokencache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"tokencache.operations",
			metric.WithDescription("Total token cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"tokencache.operation.duration",
			metric.WithDescription("Token cache operation duration, including aspect hooks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps an Accessor with metrics instrumentation. Durations
// include the aspect hooks, so slow external persistence is visible.
type Instrumented struct {
	wrapped *Accessor
}

// NewInstrumented creates an instrumented accessor wrapper.
func NewInstrumented(accessor *Accessor) *Instrumented {
	initMetrics()
	return &Instrumented{wrapped: accessor}
}

// SetAspect replaces the access aspect on the wrapped accessor.
func (i *Instrumented) SetAspect(aspect AccessAspect) {
	i.wrapped.SetAspect(aspect)
}

// Read performs a read-only cache operation.
func (i *Instrumented) Read(ctx context.Context, op func(store *Store) error) error {
	return i.record(ctx, "read", func() error {
		return i.wrapped.Read(ctx, op)
	})
}

// Write performs a read-that-will-write cache operation.
func (i *Instrumented) Write(ctx context.Context, op func(store *Store) error) error {
	return i.record(ctx, "write", func() error {
		return i.wrapped.Write(ctx, op)
	})
}

func (i *Instrumented) record(ctx context.Context, operation string, run func() error) error {
	start := time.Now()
	err := run()
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}
	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.operation", operation),
			),
		)
	}

	return err
}
