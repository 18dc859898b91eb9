package tracing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_SamplesByDefault(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "")
	shutdown, err := Init(context.Background(), nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := otel.Tracer(TracerSnapshot).Start(context.Background(), SpanSnapshotSerialize)
	defer span.End()
	assert.True(t, span.SpanContext().IsSampled())
}

func TestInit_RatioSampler(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0")
	shutdown, err := Init(context.Background(), nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := otel.Tracer(TracerSnapshot).Start(context.Background(), SpanSnapshotSerialize)
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}

func TestSampler_IgnoresInvalidRatio(t *testing.T) {
	for _, arg := range []string{"abc", "-1", "1.5"} {
		assert.Contains(t, sampler(slog.Default(), arg).Description(), "AlwaysOnSampler", arg)
	}
	assert.Contains(t, sampler(slog.Default(), "0.25").Description(), "TraceIDRatioBased{0.25}")
}
