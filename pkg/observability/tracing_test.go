package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("jmxcluster-test"))
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	p := &Provider{provider: tp}

	ctx, span := tp.Tracer("test").Start(context.Background(), "election")
	assert.NotEmpty(t, TraceID(ctx))
	SetAttributes(ctx, attribute.String("target", "t1"))
	SetError(ctx, assert.AnError)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "election", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("target", "t1"))
	assert.Len(t, ended[0].Events(), 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
