package middleware

import (
	"context"
	"path"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/metrics"
)

// LoggingUnaryInterceptor логирует unary RPC и пишет метрики запросов.
// Должен стоять после CorrelationUnaryInterceptor: логгер берёт
// correlation_id, causation_id и saga_id из контекста.
func LoggingUnaryInterceptor(service string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		rpcLogger(ctx, info.FullMethod).Debug().Msg("Получен gRPC запрос")

		resp, err := handler(ctx, req)

		finishRPC(ctx, service, info.FullMethod, "gRPC запрос", start, err)
		return resp, err
	}
}

// LoggingStreamInterceptor — то же для stream RPC.
func LoggingStreamInterceptor(service string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := ss.Context()

		rpcLogger(ctx, info.FullMethod).Debug().
			Bool("client_stream", info.IsClientStream).
			Bool("server_stream", info.IsServerStream).
			Msg("Начат gRPC stream")

		err := handler(srv, ss)

		finishRPC(ctx, service, info.FullMethod, "gRPC stream", start, err)
		return err
	}
}

// rpcLogger — логгер запроса: поля корреляции из контекста плюс метод и
// ключи пересылаемых заголовков.
func rpcLogger(ctx context.Context, fullMethod string) zerolog.Logger {
	lc := logger.FromContext(ctx).With().
		Str("grpc_service", path.Dir(fullMethod)[1:]).
		Str("grpc_method", path.Base(fullMethod))

	if cc, ok := correlation.FromContext(ctx); ok && len(cc.Forward) > 0 {
		lc = lc.Strs("forwarded_headers", cc.Forward.Keys())
	}
	return lc.Logger()
}

func finishRPC(ctx context.Context, service, fullMethod, kind string, start time.Time, err error) {
	duration := time.Since(start)
	code := status.Code(err)

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RecordRequest(service, path.Base(fullMethod), result, duration)

	log := rpcLogger(ctx, fullMethod)
	event := log.WithLevel(rpcLevel(code)).
		Str("grpc_code", code.String()).
		Dur("duration", duration)
	if err != nil {
		event.Err(err).Msg(kind + " завершился с ошибкой")
		return
	}
	event.Msg(kind + " выполнен успешно")
}

// rpcLevel — ошибки клиента логируются как Warn, ошибки сервера как Error.
func rpcLevel(code codes.Code) zerolog.Level {
	switch code {
	case codes.OK:
		return zerolog.InfoLevel
	case codes.Canceled, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.FailedPrecondition, codes.OutOfRange, codes.Unauthenticated:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
