package outbox

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"example.com/swiftparcel/pkg/envelope"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/metrics"
)

// Publisher — отправка конверта в брокер.
// Позволяет замокать клиент брокера в unit-тестах.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// RelayConfig — настройки релея.
type RelayConfig struct {
	// PollInterval — интервал между опросами outbox.
	PollInterval time.Duration

	// BatchSize — размер окна захвата.
	BatchSize int

	// MaxAttempts — после стольких неудачных попыток запись становится poison
	// и остаётся в FAILED.
	MaxAttempts int

	// Lease — аренда захвата. Не завершённые за это время записи может
	// забрать другой экземпляр.
	Lease time.Duration

	// Concurrency — сколько агрегатов публикуется параллельно.
	Concurrency int

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// DefaultRelayConfig возвращает конфигурацию по умолчанию.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:      1 * time.Second,
		BatchSize:         100,
		MaxAttempts:       10,
		Lease:             30 * time.Second,
		Concurrency:       4,
		BackoffInitial:    1 * time.Second,
		BackoffMax:        5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	def := DefaultRelayConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// DeadLetterHook вызывается для записи, ставшей poison.
type DeadLetterHook func(ctx context.Context, m *Message)

// RelayOption — функциональная опция релея.
type RelayOption func(*Relay)

// WithDeadLetterHook задаёт обработчик poison записей (алерт, уведомление).
func WithDeadLetterHook(hook DeadLetterHook) RelayOption {
	return func(r *Relay) { r.hook = hook }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// WithGate задаёт проверку перед циклом: false — цикл пропускается
// (например, circuit breaker брокера открыт).
func WithGate(gate func() bool) RelayOption {
	return func(r *Relay) { r.gate = gate }
}

// WithInstance задаёт имя экземпляра в токене захвата.
func WithInstance(instance string) RelayOption {
	return func(r *Relay) { r.instance = instance }
}

// Relay захватывает записи outbox и публикует их в брокер.
// Можно запускать на нескольких экземплярах сервиса одновременно.
type Relay struct {
	store    Store
	pub      Publisher
	cfg      RelayConfig
	name     string // Имя для логов и метрик
	instance string
	hook     DeadLetterHook
	gate     func() bool
	now      func() time.Time
}

// NewRelay создаёт релей.
func NewRelay(store Store, pub Publisher, cfg RelayConfig, name string, opts ...RelayOption) *Relay {
	r := &Relay{
		store: store,
		pub:   pub,
		cfg:   cfg.withDefaults(),
		name:  name,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.instance == "" {
		host, _ := os.Hostname()
		r.instance = host
	}
	return r
}

// Config возвращает действующую конфигурацию.
func (r *Relay) Config() RelayConfig {
	return r.cfg
}

// Run запускает цикл опроса. Блокирует выполнение до отмены контекста.
func (r *Relay) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Str("name", r.name).
		Str("instance", r.instance).
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Int("max_attempts", r.cfg.MaxAttempts).
		Dur("lease", r.cfg.Lease).
		Msg("Запуск Outbox Relay")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("name", r.name).Msg("Остановка Outbox Relay")
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain повторяет циклы, пока окно заполняется целиком.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, _, err := r.cycle(ctx)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("name", r.name).Msg("Ошибка цикла Outbox Relay")
			return
		}
		if claimed < r.cfg.BatchSize {
			return
		}
	}
}

// DispatchBatch выполняет один цикл захвата и публикации.
// Возвращает количество опубликованных записей.
func (r *Relay) DispatchBatch(ctx context.Context) (int, error) {
	_, dispatched, err := r.cycle(ctx)
	return dispatched, err
}

func (r *Relay) cycle(ctx context.Context) (claimed, dispatched int, err error) {
	log := logger.FromContext(ctx)

	if r.gate != nil && !r.gate() {
		log.Debug().Str("name", r.name).Msg("Outbox Relay пропускает цикл: брокер недоступен")
		return 0, 0, nil
	}

	token := r.instance + "/" + uuid.NewString()
	msgs, err := r.store.Claim(ctx, ClaimRequest{
		Owner:       token,
		Limit:       r.cfg.BatchSize,
		Lease:       r.cfg.Lease,
		MaxAttempts: r.cfg.MaxAttempts,
		Now:         r.now(),
	})
	if err != nil {
		return 0, 0, err
	}
	if len(msgs) == 0 {
		return 0, 0, nil
	}

	metrics.OutboxClaimed.WithLabelValues(r.name).Add(float64(len(msgs)))
	log.Debug().Int("count", len(msgs)).Str("name", r.name).Msg("Захвачены записи outbox")

	var (
		sent atomic.Int64
		g    errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groupByAggregate(msgs) {
		g.Go(func() error {
			sent.Add(int64(r.dispatchGroup(ctx, token, group)))
			return nil
		})
	}
	_ = g.Wait()

	return len(msgs), int(sent.Load()), nil
}

// groupByAggregate разбивает записи по агрегату, сохраняя порядок внутри группы.
func groupByAggregate(msgs []*Message) [][]*Message {
	index := make(map[string]int)
	var groups [][]*Message
	for _, m := range msgs {
		i, ok := index[m.AggregateKey]
		if !ok {
			i = len(groups)
			index[m.AggregateKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// dispatchGroup публикует записи одного агрегата строго по порядку.
// После первой ошибки оставшиеся записи отпускаются, чтобы не обогнать упавшую.
func (r *Relay) dispatchGroup(ctx context.Context, token string, group []*Message) int {
	log := logger.FromContext(ctx)
	sent := 0

	for i, m := range group {
		if ctx.Err() != nil {
			r.release(ctx, token, group[i:])
			return sent
		}

		start := time.Now()
		err := r.pub.Publish(ctx, m.Envelope())
		metrics.OutboxDispatchDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

		if err != nil {
			r.fail(ctx, token, m, err)
			r.release(ctx, token, group[i+1:])
			return sent
		}

		if err := r.store.MarkDispatched(ctx, m.ID, token, r.now()); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				log.Warn().
					Str("outbox_id", m.ID).
					Str("aggregate_key", m.AggregateKey).
					Msg("Аренда потеряна после публикации, запись будет доставлена повторно")
			} else {
				log.Error().Err(err).Str("outbox_id", m.ID).Msg("Ошибка пометки outbox как отправленной")
			}
			r.release(ctx, token, group[i+1:])
			return sent
		}

		sent++
		metrics.OutboxDispatched.WithLabelValues(r.name, m.Type).Inc()
		log.Debug().
			Str("outbox_id", m.ID).
			Str("message_type", m.Type).
			Str("aggregate_key", m.AggregateKey).
			Msg("Сообщение опубликовано")
	}

	return sent
}

func (r *Relay) fail(ctx context.Context, token string, m *Message, pubErr error) {
	log := logger.FromContext(ctx)
	attempts := m.Attempts + 1
	errText := pubErr.Error()

	metrics.OutboxPublishFailures.WithLabelValues(r.name, m.Type).Inc()

	err := r.store.MarkFailed(context.WithoutCancel(ctx), m.ID, token, Failure{
		Err:           errText,
		NextAttemptAt: r.now().Add(r.retryDelay(attempts)),
	})
	if err != nil {
		log.Error().Err(err).Str("outbox_id", m.ID).Msg("Ошибка пометки outbox как failed")
		return
	}

	if attempts < r.cfg.MaxAttempts {
		log.Warn().
			Err(pubErr).
			Str("outbox_id", m.ID).
			Str("message_type", m.Type).
			Str("aggregate_key", m.AggregateKey).
			Int("attempts", attempts).
			Msg("Ошибка публикации, запись будет повторена")
		return
	}

	metrics.OutboxDeadLetters.WithLabelValues(r.name, m.Type).Inc()
	log.Error().
		Err(pubErr).
		Str("outbox_id", m.ID).
		Str("message_type", m.Type).
		Str("aggregate_key", m.AggregateKey).
		Int("attempts", attempts).
		Msg("Dead letter: превышен лимит попыток, запись остаётся в FAILED")

	if r.hook != nil {
		dead := m.Clone()
		dead.State = StateFailed
		dead.Attempts = attempts
		dead.LastError = &errText
		dead.ClaimedBy = ""
		dead.LeaseUntil = nil
		r.hook(ctx, dead)
	}
}

func (r *Relay) release(ctx context.Context, token string, rest []*Message) {
	if len(rest) == 0 {
		return
	}
	if err := r.store.Release(context.WithoutCancel(ctx), token, IDs(rest)...); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Int("count", len(rest)).Msg("Ошибка освобождения записей outbox")
	}
}

// retryDelay — экспоненциальная задержка перед попыткой attempts+1.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          r.cfg.BackoffMultiplier,
		MaxInterval:         r.cfg.BackoffMax,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
