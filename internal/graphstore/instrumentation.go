package graphstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kubilitics/kubilitics-graph/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/tracing"
)

// instrument wraps a storage operation with a span and timing metrics.
func instrument(ctx context.Context, backend, operation string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "graphstore."+operation,
		attribute.String("db.system", backend),
		attribute.String("graphstore.operation", operation),
	)
	start := time.Now()
	err := fn(ctx)
	metrics.StorageQueryDurationSeconds.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
	tracing.End(span, err)
	return err
}
