// Package gormstore — outbox на GORM (MySQL и PostgreSQL).
// Транзакция передаётся через context, поэтому репозитории домена
// присоединяются к ней через Conn.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/swiftparcel/pkg/outbox"
)

type txKey struct{}

// eligibleSQL повторяет outbox.Eligible на стороне БД, чтобы UPDATE
// захватил только то, что всё ещё свободно.
const eligibleSQL = "(state = ? OR " +
	"(state = ? AND attempts < ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR " +
	"(state = ? AND (lease_until IS NULL OR lease_until < ?)))"

// unblockedSQL отсекает записи, перед которыми в том же агрегате стоит
// незавершённая неготовая запись (FAILED в backoff или чужая аренда).
// Неквалифицированные колонки eligibleSQL внутри подзапроса относятся к p.
const unblockedSQL = "NOT EXISTS (SELECT 1 FROM outbox_messages AS p " +
	"WHERE p.aggregate_key = outbox_messages.aggregate_key AND p.id < outbox_messages.id " +
	"AND p.state <> ? AND NOT (p.state = ? AND p.attempts >= ?) AND NOT " + eligibleSQL + ")"

func eligibleArgs(req outbox.ClaimRequest) []any {
	return []any{
		string(outbox.StatePending),
		string(outbox.StateFailed), req.MaxAttempts, req.Now,
		string(outbox.StateDispatching), req.Now,
	}
}

// Store — GORM реализация outbox.Store и outbox.UnitOfWork.
type Store struct {
	db *gorm.DB
}

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.UnitOfWork = (*Store)(nil)
)

// New создаёт хранилище.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate создаёт таблицу outbox_messages и индексы.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Model{})
}

// Conn возвращает транзакцию из ctx или fallback.
//
//	db := gormstore.Conn(ctx, r.db)
//	return db.Create(model).Error
func Conn(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return fallback.WithContext(ctx)
}

// InTx выполняет fn в транзакции. Вложенный вызов присоединяется к внешней.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Append вставляет записи одной командой в текущей транзакции.
func (s *Store) Append(ctx context.Context, msgs ...*outbox.Message) error {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	if !ok {
		return outbox.ErrNoTransaction
	}
	if len(msgs) == 0 {
		return nil
	}

	models := make([]*Model, len(msgs))
	for i, msg := range msgs {
		m, err := modelFromDomain(msg)
		if err != nil {
			return err
		}
		models[i] = m
	}

	if err := tx.Create(&models).Error; err != nil {
		return fmt.Errorf("ошибка записи outbox: %w", err)
	}
	return nil
}

// Claim читает окно, отбирает кандидатов и захватывает их одним условным UPDATE.
// В окно попадают только готовые записи, не стоящие за заблокированной
// записью своего агрегата, поэтому один агрегат не занимает весь лимит.
func (s *Store) Claim(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Message, error) {
	blockers := append([]any{
		string(outbox.StateDispatched), string(outbox.StateFailed), req.MaxAttempts,
	}, eligibleArgs(req)...)

	var window []Model
	if err := s.db.WithContext(ctx).
		Where(eligibleSQL, eligibleArgs(req)...).
		Where(unblockedSQL, blockers...).
		Order("aggregate_key ASC, id ASC").
		Limit(req.Limit).
		Find(&window).Error; err != nil {
		return nil, fmt.Errorf("ошибка чтения outbox: %w", err)
	}

	msgs, err := toDomainList(window)
	if err != nil {
		return nil, err
	}
	candidates := outbox.Candidates(msgs, req)
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := outbox.IDs(candidates)

	result := s.db.WithContext(ctx).Model(&Model{}).
		Where("id IN ?", ids).
		Where(eligibleSQL, eligibleArgs(req)...).
		Updates(map[string]any{
			"state":       string(outbox.StateDispatching),
			"claimed_by":  req.Owner,
			"lease_until": req.LeaseUntil(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("ошибка захвата outbox: %w", result.Error)
	}

	var claimed []*outbox.Message
	if result.RowsAffected > 0 {
		var models []Model
		if err := s.db.WithContext(ctx).
			Where("claimed_by = ? AND id IN ?", req.Owner, ids).
			Order("aggregate_key ASC, id ASC").
			Find(&models).Error; err != nil {
			return nil, fmt.Errorf("ошибка чтения захваченных записей: %w", err)
		}
		if claimed, err = toDomainList(models); err != nil {
			return nil, err
		}
	}

	keep, release := outbox.Contiguous(candidates, claimed)
	if len(release) > 0 {
		if err := s.Release(ctx, req.Owner, release...); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

// owned выполняет переход, разрешённый только владельцу захвата.
func (s *Store) owned(ctx context.Context, id, owner string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Model{}).
		Where("id = ? AND claimed_by = ? AND state = ?", id, owner, string(outbox.StateDispatching)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Model{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return outbox.ErrNotFound
	}
	return outbox.ErrLeaseLost
}

// MarkDispatched переводит запись в DISPATCHED.
func (s *Store) MarkDispatched(ctx context.Context, id, owner string, at time.Time) error {
	return s.owned(ctx, id, owner, map[string]any{
		"state":         string(outbox.StateDispatched),
		"dispatched_at": at,
		"claimed_by":    "",
		"lease_until":   nil,
	})
}

// MarkFailed увеличивает счётчик попыток и сохраняет текст ошибки.
func (s *Store) MarkFailed(ctx context.Context, id, owner string, f outbox.Failure) error {
	return s.owned(ctx, id, owner, map[string]any{
		"state":           string(outbox.StateFailed),
		"attempts":        gorm.Expr("attempts + 1"),
		"last_error":      f.Err,
		"next_attempt_at": f.NextAttemptAt,
		"claimed_by":      "",
		"lease_until":     nil,
	})
}

// Release возвращает записи в PENDING или FAILED без расхода попытки.
func (s *Store) Release(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Model{}).
		Where("id IN ? AND claimed_by = ? AND state = ?", ids, owner, string(outbox.StateDispatching)).
		Updates(map[string]any{
			"state":       gorm.Expr("CASE WHEN attempts > 0 THEN ? ELSE ? END", string(outbox.StateFailed), string(outbox.StatePending)),
			"claimed_by":  "",
			"lease_until": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("ошибка освобождения записей outbox: %w", err)
	}
	return nil
}

// Get возвращает запись по id.
func (s *Store) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var m Model
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, outbox.ErrNotFound
		}
		return nil, err
	}
	return m.toDomain()
}

// ListDeadLetters возвращает записи, исчерпавшие попытки.
func (s *Store) ListDeadLetters(ctx context.Context, maxAttempts, limit int) ([]*outbox.Message, error) {
	var models []Model
	if err := s.db.WithContext(ctx).
		Where("state = ? AND attempts >= ?", string(outbox.StateFailed), maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainList(models)
}

// DeleteDispatchedBefore удаляет пачку отправленных записей старше before.
// Сначала выбираются id: DELETE ... LIMIT есть не во всех диалектах.
func (s *Store) DeleteDispatchedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Model{}).
		Where("state = ? AND dispatched_at < ?", string(outbox.StateDispatched), before).
		Order("dispatched_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Model{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
