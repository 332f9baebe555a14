package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/swiftparcel/pkg/envelope"
)

// =============================================================================
// Тестовые заглушки
// =============================================================================

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error             { return nil }
func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Lag: 7} }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func testEnvelope() *envelope.Envelope {
	env := envelope.New([]byte(`{"order_id":"o-1"}`))
	env.Headers.SetText(envelope.HeaderMessageID, "m-1")
	env.Headers.SetText(envelope.HeaderMessageType, "OrderCreated")
	env.Headers.SetText(envelope.HeaderCorrelationID, "C1")
	env.Headers.SetText(envelope.HeaderAggregateKey, "o-1")
	env.Headers.SetBytes(envelope.HeaderSpanContext, []byte{0x00, 0xff})
	return env
}

func encoded(t *testing.T, env *envelope.Envelope) kafka.Message {
	t.Helper()
	m, err := toKafkaMessage("orders.order_created", env)
	require.NoError(t, err)
	m.Partition = 2
	m.Offset = 42
	return m
}

func newTestConsumer(r *fakeReader, w *fakeWriter) *Consumer {
	cfg := Config{
		Brokers:       []string{"localhost:9092"},
		MaxDeliveries: 3,
		RetryInitial:  time.Millisecond,
		RetryMax:      2 * time.Millisecond,
	}.withDefaults()

	c := &Consumer{reader: r, cfg: cfg, topic: "orders.order_created", group: "orders"}
	if w != nil {
		c.dlq = &Producer{writer: w, cfg: cfg}
	}
	return c
}

// runConsumer запускает Consume и возвращает функцию остановки.
func runConsumer(c *Consumer, h func(context.Context, *envelope.Envelope) error) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, h) }()

	return func() error {
		cancel()
		return <-done
	}
}

// =============================================================================
// Конвертация
// =============================================================================

func TestToKafkaMessage(t *testing.T) {
	env := testEnvelope()

	m, err := toKafkaMessage("orders.order_created", env)
	require.NoError(t, err)

	assert.Equal(t, "orders.order_created", m.Topic)
	assert.Equal(t, "o-1", string(m.Key), "ключ партиционирования — aggregate_key")
	assert.Equal(t, "m-1", headerValue(m, envelope.HeaderMessageID))
	assert.Equal(t, "OrderCreated", headerValue(m, envelope.HeaderMessageType))
	assert.Equal(t, "C1", headerValue(m, envelope.HeaderCorrelationID))
	assert.Empty(t, headerValue(m, envelope.HeaderSpanContext), "байтовые заголовки не дублируются")

	got, err := envelopeFromKafka(m)
	require.NoError(t, err)
	assert.Equal(t, env.Body, got.Body)
	assert.True(t, env.Headers.Equal(got.Headers))
}

func TestToKafkaMessage_KeyFallsBackToMessageID(t *testing.T) {
	env := envelope.New(nil)
	env.Headers.SetText(envelope.HeaderMessageID, "m-9")

	m, err := toKafkaMessage("t", env)
	require.NoError(t, err)
	assert.Equal(t, "m-9", string(m.Key))
}

func TestEnvelopeFromKafka_Malformed(t *testing.T) {
	_, err := envelopeFromKafka(kafka.Message{Topic: "t", Value: []byte{0xff}})
	assert.ErrorIs(t, err, envelope.ErrMalformed)
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, cfg: Config{}.withDefaults()}

	require.NoError(t, p.Publish(context.Background(), "orders.order_created", testEnvelope()))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "orders.order_created", msgs[0].Topic)

	w.err = errors.New("leader not available")
	assert.Error(t, p.Publish(context.Background(), "orders.order_created", testEnvelope()))
}

// =============================================================================
// Потребитель
// =============================================================================

func TestConsumer_RetriesInPlaceThenCommits(t *testing.T) {
	r := &fakeReader{}
	w := &fakeWriter{}
	r.queue = []kafka.Message{encoded(t, testEnvelope())}
	c := newTestConsumer(r, w)

	var mu sync.Mutex
	calls := 0
	stop := runConsumer(c, func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		assert.Equal(t, "m-1", env.MessageID())
		if calls < 3 {
			return errors.New("deadlock")
		}
		return nil
	})

	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	assert.Equal(t, 3, calls)
	assert.Empty(t, w.written(), "успешное сообщение не уходит в DLQ")
}

func TestConsumer_ExhaustedGoesToDLQ(t *testing.T) {
	r := &fakeReader{}
	w := &fakeWriter{}
	r.queue = []kafka.Message{encoded(t, testEnvelope())}
	c := newTestConsumer(r, w)

	var mu sync.Mutex
	calls := 0
	stop := runConsumer(c, func(context.Context, *envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("always broken")
	})

	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	_ = stop()

	assert.Equal(t, 3, calls)
	dlq := w.written()
	require.Len(t, dlq, 1)
	assert.Equal(t, DefaultDLQTopic, dlq[0].Topic)
	assert.Equal(t, "o-1", string(dlq[0].Key))
	assert.Equal(t, "orders.order_created", headerValue(dlq[0], HeaderDLQOriginalTopic))
	assert.Contains(t, headerValue(dlq[0], HeaderDLQError), "always broken")
	assert.Equal(t, "m-1", headerValue(dlq[0], envelope.HeaderMessageID))
}

func TestConsumer_MalformedGoesStraightToDLQ(t *testing.T) {
	r := &fakeReader{}
	w := &fakeWriter{}
	r.queue = []kafka.Message{{Topic: "orders.order_created", Value: []byte{0xff}}}
	c := newTestConsumer(r, w)

	called := false
	stop := runConsumer(c, func(context.Context, *envelope.Envelope) error {
		called = true
		return nil
	})

	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	_ = stop()

	assert.False(t, called)
	assert.Len(t, w.written(), 1)
}

func TestConsumer_DLQFailureStopsWithoutCommit(t *testing.T) {
	r := &fakeReader{}
	w := &fakeWriter{err: errors.New("dlq unavailable")}
	r.queue = []kafka.Message{{Topic: "orders.order_created", Value: []byte{0xff}}}
	c := newTestConsumer(r, w)

	err := c.Consume(context.Background(), func(context.Context, *envelope.Envelope) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq unavailable")
	assert.Zero(t, r.commits())
}

func TestConsumer_Lag(t *testing.T) {
	c := newTestConsumer(&fakeReader{}, nil)
	assert.Equal(t, int64(7), c.Lag())
}

func TestTopics(t *testing.T) {
	specs := Topics(3, 1, "a", "b")
	require.Len(t, specs, 2)
	assert.Equal(t, TopicSpec{Name: "b", Partitions: 3, ReplicationFactor: 1}, specs[1])
}
