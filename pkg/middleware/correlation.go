package middleware

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/logger"
)

// legacyCorrelationKey — metadata ключ клиентов, передающих только correlation_id.
const legacyCorrelationKey = "x-correlation-id"

// CorrelationUnaryInterceptor восстанавливает контекст корреляции из
// metadata "correlation-context". Без него создаётся новый.
func CorrelationUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(extractCorrelation(ctx), req)
	}
}

// CorrelationStreamInterceptor — то же для stream RPC.
func CorrelationStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		return handler(srv, &correlatedServerStream{
			ServerStream: ss,
			ctx:          extractCorrelation(ss.Context()),
		})
	}
}

// CorrelationClientInterceptor передаёт контекст корреляции в исходящие вызовы.
func CorrelationClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(InjectMetadata(ctx), method, req, reply, cc, opts...)
	}
}

// FromMetadata читает контекст корреляции из входящей metadata.
func FromMetadata(md metadata.MD) (correlation.Context, bool) {
	if values := md.Get(correlation.MetadataKey); len(values) > 0 {
		if c, err := correlation.Parse(values[0]); err == nil && c.CorrelationID != "" {
			return c, true
		}
	}
	if values := md.Get(legacyCorrelationKey); len(values) > 0 && values[0] != "" {
		return correlation.Context{CorrelationID: values[0]}, true
	}
	return correlation.Context{}, false
}

// InjectMetadata добавляет контекст корреляции из ctx в исходящую metadata.
func InjectMetadata(ctx context.Context) context.Context {
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return ctx
	}

	value, err := correlation.Marshal(c)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("Не удалось сериализовать контекст корреляции")
		return ctx
	}

	return metadata.AppendToOutgoingContext(ctx, correlation.MetadataKey, value)
}

func extractCorrelation(ctx context.Context) context.Context {
	var (
		c  correlation.Context
		ok bool
	)
	if md, found := metadata.FromIncomingContext(ctx); found {
		c, ok = FromMetadata(md)
	}
	if !ok {
		c = correlation.New()
	}

	ctx = correlation.WithContext(ctx, c)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ctx = logger.WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx
}

// correlatedServerStream — обёртка над grpc.ServerStream с изменённым context.
type correlatedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context возвращает context с контекстом корреляции.
func (s *correlatedServerStream) Context() context.Context {
	return s.ctx
}
