package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/outbox"
)

type publishFunc func(ctx context.Context, env *envelope.Envelope) error

func (f publishFunc) Publish(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

var _ outbox.Publisher = publishFunc(nil)

func TestWrapPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	s := DefaultSettings()
	s.ConsecutiveFailures = 3
	s.MinRequests = 100
	s.Timeout = time.Hour
	b := NewWithSettings("broker", s)

	calls := 0
	brokerDown := errors.New("broker down")
	pub := WrapPublisher(b, publishFunc(func(context.Context, *envelope.Envelope) error {
		calls++
		return brokerDown
	}))

	for i := 0; i < 3; i++ {
		err := pub.Publish(context.Background(), envelope.New(nil))
		require.ErrorIs(t, err, brokerDown)
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.False(t, b.Allow(), "открытый breaker закрывает шлюз релея")

	err := pub.Publish(context.Background(), envelope.New(nil))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls, "при открытом breaker брокер не вызывается")
}

func TestWrapPublisher_SuccessKeepsClosed(t *testing.T) {
	b := New("broker")
	pub := WrapPublisher(b, publishFunc(func(context.Context, *envelope.Envelope) error { return nil }))

	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(context.Background(), envelope.New(nil)))
	}

	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, "broker", b.Name())
}

func TestBreaker_RatioTrip(t *testing.T) {
	s := DefaultSettings()
	s.Timeout = time.Hour
	b := NewWithSettings("broker", s)

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			if i%2 == 0 {
				return errors.New("timeout")
			}
			return nil
		})
		_ = err
	}

	assert.Equal(t, gobreaker.StateOpen, b.State(), "3 ошибки из 5 превышают порог 50%")
}
