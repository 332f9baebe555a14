package correlation

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
)

func TestExtract(t *testing.T) {
	span := []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h := envelope.Headers{
		envelope.HeaderMessageID:     envelope.Text("m-1"),
		envelope.HeaderMessageType:   envelope.Text("CreateOrder"),
		envelope.HeaderCorrelationID: envelope.Text("c-1"),
		envelope.HeaderSaga:          envelope.Text("s-1"),
		envelope.HeaderSpanContext:   envelope.Bytes(span),
		"x-tenant":                   envelope.Text("acme"),
		"x-blob":                     envelope.Bytes([]byte{1, 2}),
	}

	c := Extract(h)

	assert.Equal(t, "c-1", c.CorrelationID)
	assert.Equal(t, "m-1", c.CausationID)
	assert.Equal(t, "s-1", c.SagaID)
	assert.Equal(t, span, c.SpanContext)
	require.Len(t, c.Forward, 2)
	assert.Equal(t, "acme", c.Forward.Text("x-tenant"))
	blob, ok := c.Forward["x-blob"].Bytes()
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2}, blob)
}

func TestExtract_AssignsCorrelationIDWhenMissing(t *testing.T) {
	c := Extract(envelope.Headers{envelope.HeaderMessageID: envelope.Text("m-1")})

	_, err := uuid.Parse(c.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "m-1", c.CausationID)
	assert.Empty(t, c.SagaID)
}

func TestInject_NoSagaKeyWhenAbsent(t *testing.T) {
	c := Extract(envelope.Headers{
		envelope.HeaderMessageID:     envelope.Text("m-1"),
		envelope.HeaderCorrelationID: envelope.Text("c-1"),
	})

	h := Inject(c)

	_, hasSaga := h[envelope.HeaderSaga]
	assert.False(t, hasSaga)
	_, hasSpan := h[envelope.HeaderSpanContext]
	assert.False(t, hasSpan)
	assert.Equal(t, "c-1", h.Text(envelope.HeaderCorrelationID))
	assert.Equal(t, "m-1", h.Text(envelope.HeaderCausationID))
}

func TestInject_ForwardsUnknownHeaders(t *testing.T) {
	c := Context{
		CorrelationID: "c-1",
		SagaID:        "s-1",
		SpanContext:   []byte("span"),
		Forward: envelope.Headers{
			"x-tenant":                 envelope.Text("acme"),
			envelope.HeaderMessageType: envelope.Text("не должен попасть"),
		},
	}

	h := Inject(c)

	assert.Equal(t, "acme", h.Text("x-tenant"))
	assert.Equal(t, "s-1", h.Text(envelope.HeaderSaga))
	_, hasType := h[envelope.HeaderMessageType]
	assert.False(t, hasType)
	span, ok := h[envelope.HeaderSpanContext].Bytes()
	assert.True(t, ok)
	assert.Equal(t, []byte("span"), span)
}

func TestWithContext(t *testing.T) {
	ctx := WithContext(context.Background(), Context{CorrelationID: "c-1", CausationID: "m-1", SagaID: "s-1"})

	c, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "c-1", c.CorrelationID)
	assert.Equal(t, "c-1", logger.CorrelationIDFromContext(ctx))
	assert.Equal(t, "m-1", logger.CausationIDFromContext(ctx))
	assert.Equal(t, "s-1", logger.SagaIDFromContext(ctx))
}

func TestEnsure(t *testing.T) {
	ctx, c := Ensure(context.Background())
	assert.NotEmpty(t, c.CorrelationID)

	_, again := Ensure(ctx)
	assert.Equal(t, c.CorrelationID, again.CorrelationID)
}

func TestHTTP_RoundTrip(t *testing.T) {
	in := Context{
		CorrelationID: "c-1",
		CausationID:   "m-1",
		SagaID:        "s-1",
		SpanContext:   []byte("span"),
		Forward:       envelope.Headers{"x-tenant": envelope.Text("acme")},
	}

	h := http.Header{}
	require.NoError(t, ToHTTP(h, in))
	assert.Equal(t, "c-1", h.Get(HeaderCorrelationID))

	out, ok := FromHTTP(h)
	require.True(t, ok)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.CausationID, out.CausationID)
	assert.Equal(t, in.SagaID, out.SagaID)
	assert.Equal(t, in.SpanContext, out.SpanContext)
	assert.Equal(t, "acme", out.Forward.Text("x-tenant"))
}

func TestFromHTTP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantOK   bool
		wantCorr string
	}{
		{"fallback на X-Correlation-ID", map[string]string{HeaderCorrelationID: "c-2"}, true, "c-2"},
		{"битый JSON и fallback", map[string]string{HeaderContext: "{", HeaderCorrelationID: "c-3"}, true, "c-3"},
		{"ничего нет", map[string]string{}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			c, ok := FromHTTP(h)
			assert.Equal(t, tt.wantOK, ok)
			assert.NotEmpty(t, c.CorrelationID)
			if tt.wantCorr != "" {
				assert.Equal(t, tt.wantCorr, c.CorrelationID)
			}
		})
	}
}
