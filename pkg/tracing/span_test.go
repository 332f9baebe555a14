package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanContextBytes_RoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "handle")
	defer span.End()

	raw := SpanContextBytes(ctx)
	require.NotEmpty(t, raw)
	assert.Contains(t, string(raw), span.SpanContext().TraceID().String())

	remote := trace.SpanContextFromContext(ContextWithRemoteSpan(context.Background(), raw))
	assert.True(t, remote.IsValid())
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), remote.SpanID())
}

func TestSpanContextBytes_NoSpan(t *testing.T) {
	assert.Nil(t, SpanContextBytes(context.Background()))
}

func TestContextWithRemoteSpan_Garbage(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, ctx, ContextWithRemoteSpan(ctx, nil))

	got := ContextWithRemoteSpan(ctx, []byte("не traceparent"))
	assert.False(t, trace.SpanContextFromContext(got).IsValid())
}
