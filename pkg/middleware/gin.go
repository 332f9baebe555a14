package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/logger"
)

// Correlation — gin middleware входа HTTP: восстанавливает контекст
// корреляции из заголовка Correlation-Context (или X-Correlation-ID),
// иначе создаёт новый. correlation_id возвращается клиенту в ответе.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		cc, _ := correlation.FromHTTP(c.Request.Header)

		ctx := correlation.WithContext(c.Request.Context(), cc)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Header(correlation.HeaderCorrelationID, cc.CorrelationID)
		c.Set("correlation_id", cc.CorrelationID)

		c.Next()
	}
}

// RequestLogger логирует начало и завершение HTTP запроса.
// Ставится после Correlation, чтобы в логах были поля корреляции.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := logger.FromContext(c.Request.Context())

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Msg("Входящий запрос")

		c.Next()

		statusCode := c.Writer.Status()
		event := log.Info()
		if statusCode >= 500 {
			event = log.Error()
		} else if statusCode >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Msg("Запрос обработан")
	}
}
