package middleware

import (
	"context"
	"path"
	"runtime/debug"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/metrics"
)

// RecoveryUnaryInterceptor перехватывает панику в unary RPC, логирует stack
// trace с полями корреляции и возвращает клиенту codes.Internal.
// В сообщении клиенту есть только correlation_id, детали паники остаются в логе.
func RecoveryUnaryInterceptor(service string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(ctx, service, info.FullMethod, r)
			}
		}()

		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor — то же для stream RPC.
func RecoveryStreamInterceptor(service string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(ss.Context(), service, info.FullMethod, r)
			}
		}()

		return handler(srv, ss)
	}
}

func recovered(ctx context.Context, service, fullMethod string, r any) error {
	metrics.RequestsTotal.WithLabelValues(service, path.Base(fullMethod), "panic").Inc()

	log := rpcLogger(ctx, fullMethod)
	log.Error().
		Interface("panic", r).
		Str("stack", string(debug.Stack())).
		Msg("Перехвачена паника в gRPC handler")

	if cc, ok := correlation.FromContext(ctx); ok && cc.CorrelationID != "" {
		return status.Errorf(codes.Internal, "Внутренняя ошибка сервера (correlation_id: %s)", cc.CorrelationID)
	}
	return status.Error(codes.Internal, "Внутренняя ошибка сервера")
}
