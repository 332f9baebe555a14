package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/swiftparcel/pkg/envelope"
)

// fakeAck записывает решения потребителя.
type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}
func (a *fakeAck) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

func testEnvelope() *envelope.Envelope {
	env := envelope.New([]byte(`{"order_id":"o-1"}`))
	env.Headers.SetText(envelope.HeaderMessageID, "m-1")
	env.Headers.SetText(envelope.HeaderMessageType, "OrderCreated")
	env.Headers.SetText(envelope.HeaderCorrelationID, "C1")
	env.Headers.SetText(envelope.HeaderContentType, envelope.ContentTypeJSON)
	env.Headers.SetText(envelope.HeaderTimestamp, "2026-10-19T10:00:00Z")
	env.Headers.SetBytes(envelope.HeaderSpanContext, []byte{0x01, 0x02})
	return env
}

func delivery(ack *fakeAck, redelivered bool) amqp.Delivery {
	p := toPublishing(testEnvelope())
	return amqp.Delivery{
		Acknowledger:  ack,
		Headers:       p.Headers,
		MessageId:     p.MessageId,
		Type:          p.Type,
		CorrelationId: p.CorrelationId,
		ContentType:   p.ContentType,
		Body:          p.Body,
		Redelivered:   redelivered,
		RoutingKey:    "order_created",
	}
}

func TestToPublishing(t *testing.T) {
	p := toPublishing(testEnvelope())

	assert.Equal(t, uint8(amqp.Persistent), p.DeliveryMode)
	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, "OrderCreated", p.Type)
	assert.Equal(t, "C1", p.CorrelationId)
	assert.Equal(t, envelope.ContentTypeJSON, p.ContentType)
	assert.Equal(t, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC), p.Timestamp.UTC())

	assert.Equal(t, "C1", p.Headers[envelope.HeaderCorrelationID])
	assert.Equal(t, []byte{0x01, 0x02}, p.Headers[envelope.HeaderSpanContext], "байты остаются байтами")
	assert.NoError(t, p.Headers.Validate())
}

func TestFromDelivery_RoundTrip(t *testing.T) {
	env, err := fromDelivery(delivery(&fakeAck{}, false))
	require.NoError(t, err)

	want := testEnvelope()
	assert.Equal(t, want.Body, env.Body)
	assert.True(t, want.Headers.Equal(env.Headers))

	v, ok := env.Headers.Get(envelope.HeaderSpanContext)
	require.True(t, ok)
	assert.Equal(t, envelope.KindBytes, v.Kind())
}

func TestFromDelivery_FallsBackToProperties(t *testing.T) {
	env, err := fromDelivery(amqp.Delivery{
		MessageId: "ext-1",
		Type:      "DeliveryCompleted",
		Headers:   amqp.Table{"x-retry": int32(2)},
	})
	require.NoError(t, err)

	assert.Equal(t, "ext-1", env.MessageID())
	assert.Equal(t, "DeliveryCompleted", env.Type())
	assert.Equal(t, "2", env.Headers.Text("x-retry"))
}

func TestHandleDelivery(t *testing.T) {
	ok := func(context.Context, *envelope.Envelope) error { return nil }
	fail := func(context.Context, *envelope.Envelope) error { return errors.New("boom") }

	t.Run("успех подтверждается", func(t *testing.T) {
		ack := &fakeAck{}
		handleDelivery(context.Background(), delivery(ack, false), ok)
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
	})

	t.Run("первая неудача возвращает в очередь", func(t *testing.T) {
		ack := &fakeAck{}
		handleDelivery(context.Background(), delivery(ack, false), fail)
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
	})

	t.Run("неудача повторной доставки уходит в DLX", func(t *testing.T) {
		ack := &fakeAck{}
		handleDelivery(context.Background(), delivery(ack, true), fail)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
	})

	t.Run("некорректные заголовки отклоняются без повтора", func(t *testing.T) {
		ack := &fakeAck{}
		d := delivery(ack, false)
		d.Headers = amqp.Table{"": "x"}
		called := false
		handleDelivery(context.Background(), d, func(context.Context, *envelope.Envelope) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DeadLetterExchange: "swiftparcel.dlx"}.withDefaults()

	assert.Equal(t, "swiftparcel", cfg.Exchange)
	assert.Equal(t, "swiftparcel.dlx", cfg.DeadLetterQueue)
	assert.Equal(t, 10, cfg.Prefetch)
	assert.Equal(t, "orders.swiftparcel.create_order", queueName("orders", "swiftparcel.create_order"))
}
