package outbox

import (
	"context"
	"time"

	"example.com/swiftparcel/pkg/logger"
)

// janitorBatch — размер пачки удаления, ограничивает длительность блокировок.
const janitorBatch = 1000

// Janitor удаляет DISPATCHED записи старше Retention.
// Включается только явно (OUTBOX_RETENTION > 0).
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	name      string
	now       func() time.Time
}

// NewJanitor создаёт Janitor.
func NewJanitor(store Store, retention, interval time.Duration, name string) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		name:      name,
		now:       time.Now,
	}
}

// Run запускает периодическую очистку. Блокирует до отмены контекста.
func (j *Janitor) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Str("name", j.name).
		Dur("retention", j.retention).
		Dur("interval", j.interval).
		Msg("Запуск очистки outbox")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Cleanup(ctx); err != nil {
				log.Error().Err(err).Str("name", j.name).Msg("Ошибка очистки outbox")
			}
		}
	}
}

// Cleanup удаляет устаревшие записи пачками и возвращает общее количество.
func (j *Janitor) Cleanup(ctx context.Context) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}

	before := j.now().Add(-j.retention)
	var total int64
	for ctx.Err() == nil {
		deleted, err := j.store.DeleteDispatchedBefore(ctx, before, janitorBatch)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < janitorBatch {
			break
		}
	}

	if total > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int64("deleted", total).Str("name", j.name).Msg("Очистка отправленных записей outbox")
	}
	return total, nil
}
