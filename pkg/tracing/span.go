package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentation = "example.com/swiftparcel"
	traceparentKey  = "traceparent"
)

var traceContext = propagation.TraceContext{}

// SpanContextBytes возвращает активный span из ctx в виде байт заголовка
// span_context. Без валидного span — nil.
func SpanContextBytes(ctx context.Context) []byte {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	if tp := carrier.Get(traceparentKey); tp != "" {
		return []byte(tp)
	}
	return nil
}

// ContextWithRemoteSpan делает span из заголовка span_context родительским
// для ctx. Пустые или нераспознанные байты оставляют ctx без изменений.
func ContextWithRemoteSpan(ctx context.Context, spanContext []byte) context.Context {
	if len(spanContext) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{traceparentKey: string(spanContext)}
	return traceContext.Extract(ctx, carrier)
}

// StartConsumerSpan открывает span обработки входящего сообщения.
func StartConsumerSpan(ctx context.Context, destination, messageType, messageID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "consume "+messageType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.message.id", messageID),
			attribute.String("messaging.message.type", messageType),
		),
	)
}

// StartProducerSpan открывает span публикации сообщения релеем.
func StartProducerSpan(ctx context.Context, destination, messageType, messageID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "publish "+messageType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.message.id", messageID),
			attribute.String("messaging.message.type", messageType),
		),
	)
}
