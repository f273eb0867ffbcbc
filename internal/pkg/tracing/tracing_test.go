package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "kgraph"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanNoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "graph.query", attribute.String("backend", "memory"))
	End(span, errors.New("boom"))
	assert.Equal(t, "", TraceIDFromContext(ctx))
}
