package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"example.com/swiftparcel/pkg/correlation"
	"example.com/swiftparcel/pkg/logger"
)

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: "/orders.v1.Orders/Create"}

func TestCorrelationUnaryInterceptor_FromMetadata(t *testing.T) {
	value, err := correlation.Marshal(correlation.Context{CorrelationID: "C1", SagaID: "S1"})
	require.NoError(t, err)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(correlation.MetadataKey, value))

	var got correlation.Context
	_, err = CorrelationUnaryInterceptor()(ctx, nil, unaryInfo, func(ctx context.Context, _ any) (any, error) {
		got, _ = correlation.FromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "C1", got.CorrelationID)
	assert.Equal(t, "S1", got.SagaID)
}

func TestCorrelationUnaryInterceptor_LegacyAndMissing(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"legacy x-correlation-id", metadata.Pairs("x-correlation-id", "legacy-1"), "legacy-1"},
		{"без metadata", nil, ""},
		{"мусор в correlation-context", metadata.Pairs(correlation.MetadataKey, "{не json"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}

			var (
				got   correlation.Context
				logID string
			)
			_, _ = CorrelationUnaryInterceptor()(ctx, nil, unaryInfo, func(ctx context.Context, _ any) (any, error) {
				got, _ = correlation.FromContext(ctx)
				logID = logger.CorrelationIDFromContext(ctx)
				return nil, nil
			})

			assert.NotEmpty(t, got.CorrelationID, "correlation_id создаётся всегда")
			if tt.want != "" {
				assert.Equal(t, tt.want, got.CorrelationID)
			}
			assert.Equal(t, got.CorrelationID, logID)
		})
	}
}

func TestInjectMetadata_RoundTrip(t *testing.T) {
	ctx := correlation.WithContext(context.Background(), correlation.Context{CorrelationID: "C1", CausationID: "m-1"})
	ctx = InjectMetadata(ctx)

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)

	c, ok := FromMetadata(md)
	require.True(t, ok)
	assert.Equal(t, "C1", c.CorrelationID)
	assert.Equal(t, "m-1", c.CausationID)
}

func TestInjectMetadata_NoContext(t *testing.T) {
	ctx := InjectMetadata(context.Background())
	_, ok := metadata.FromOutgoingContext(ctx)
	assert.False(t, ok)
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		wantMsg string
	}{
		{"без контекста корреляции", context.Background(), "Внутренняя ошибка сервера"},
		{
			"с контекстом корреляции",
			correlation.WithContext(context.Background(), correlation.Context{CorrelationID: "C1"}),
			"Внутренняя ошибка сервера (correlation_id: C1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RecoveryUnaryInterceptor("orders")(tt.ctx, nil, unaryInfo, func(context.Context, any) (any, error) {
				panic("boom")
			})

			assert.Equal(t, codes.Internal, status.Code(err))
			assert.Equal(t, tt.wantMsg, status.Convert(err).Message())
			assert.NotContains(t, err.Error(), "boom", "детали паники не уходят клиенту")
		})
	}
}

func TestLoggingUnaryInterceptor_PassesError(t *testing.T) {
	want := status.Error(codes.NotFound, "нет заказа")
	_, err := LoggingUnaryInterceptor("orders")(context.Background(), nil, unaryInfo, func(context.Context, any) (any, error) {
		return nil, want
	})
	assert.Equal(t, want, err)
}

func TestRPCLevel(t *testing.T) {
	tests := []struct {
		code codes.Code
		want zerolog.Level
	}{
		{codes.OK, zerolog.InfoLevel},
		{codes.InvalidArgument, zerolog.WarnLevel},
		{codes.NotFound, zerolog.WarnLevel},
		{codes.FailedPrecondition, zerolog.WarnLevel},
		{codes.Internal, zerolog.ErrorLevel},
		{codes.Unavailable, zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, rpcLevel(tt.code))
		})
	}
}

// Паника в обработчике за полной цепочкой: клиент получает correlation_id
// из входящей metadata.
func TestChainUnaryInterceptors_PanicCarriesCorrelationID(t *testing.T) {
	value, err := correlation.Marshal(correlation.Context{CorrelationID: "C7", CausationID: "m-7"})
	require.NoError(t, err)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(correlation.MetadataKey, value))

	chain := ChainUnaryInterceptors("orders")
	var handler grpc.UnaryHandler = func(context.Context, any) (any, error) {
		panic("boom")
	}
	for i := len(chain) - 1; i >= 0; i-- {
		interceptor, next := chain[i], handler
		handler = func(ctx context.Context, req any) (any, error) {
			return interceptor(ctx, req, unaryInfo, next)
		}
	}

	_, err = handler(ctx, nil)

	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "C7")
}

func TestCorrelationClientInterceptor(t *testing.T) {
	ctx := correlation.WithContext(context.Background(), correlation.Context{CorrelationID: "C1", SagaID: "S1"})

	var got correlation.Context
	err := CorrelationClientInterceptor()(ctx, "/orders.v1.Orders/Get", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			md, ok := metadata.FromOutgoingContext(ctx)
			require.True(t, ok)
			got, ok = FromMetadata(md)
			require.True(t, ok)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, "C1", got.CorrelationID)
	assert.Equal(t, "S1", got.SagaID)
}

func TestGinCorrelation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var got correlation.Context
	r := gin.New()
	r.Use(Correlation(), RequestLogger())
	r.GET("/ping", func(c *gin.Context) {
		got, _ = correlation.FromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	t.Run("Correlation-Context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		require.NoError(t, correlation.ToHTTP(req.Header, correlation.Context{CorrelationID: "C1", SagaID: "S1"}))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "C1", got.CorrelationID)
		assert.Equal(t, "S1", got.SagaID)
		assert.Equal(t, "C1", w.Header().Get(correlation.HeaderCorrelationID))
	})

	t.Run("без заголовков", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.NotEmpty(t, got.CorrelationID)
		assert.Equal(t, got.CorrelationID, w.Header().Get(correlation.HeaderCorrelationID))
	})
}
