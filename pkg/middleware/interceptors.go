// Package middleware предоставляет gRPC interceptors и gin middleware:
// восстановление контекста корреляции, логирование и обработку паник.
package middleware

import (
	"google.golang.org/grpc"
)

// ChainUnaryInterceptors возвращает цепочку interceptors для unary RPC
// сервиса service:
// 1. Correlation - восстанавливает контекст корреляции (нужен всем следующим)
// 2. Recovery - ловит паники, отвечает клиенту с correlation_id
// 3. Logging - логирует запрос с полями корреляции и пишет метрики
//
//	grpc.NewServer(grpc.ChainUnaryInterceptor(middleware.ChainUnaryInterceptors("orders")...))
func ChainUnaryInterceptors(service string) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		CorrelationUnaryInterceptor(),
		RecoveryUnaryInterceptor(service),
		LoggingUnaryInterceptor(service),
	}
}

// ChainStreamInterceptors — та же цепочка для stream RPC.
func ChainStreamInterceptors(service string) []grpc.StreamServerInterceptor {
	return []grpc.StreamServerInterceptor{
		CorrelationStreamInterceptor(),
		RecoveryStreamInterceptor(service),
		LoggingStreamInterceptor(service),
	}
}
