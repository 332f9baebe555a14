package outbox

import (
	"context"
	"time"

	"example.com/swiftparcel/pkg/metrics"
)

// UnitOfWork — транзакционная граница для записи состояния и outbox.
type UnitOfWork interface {
	// InTx выполняет fn в транзакции. ctx внутри fn привязан к транзакции,
	// репозитории домена должны использовать именно его. Вложенный InTx
	// присоединяется к внешней транзакции.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Append добавляет записи в текущую транзакцию.
	// Вне транзакции возвращает ErrNoTransaction.
	Append(ctx context.Context, msgs ...*Message) error
}

// ClaimRequest — параметры захвата пачки.
type ClaimRequest struct {
	Owner       string        // Уникальный токен захвата
	Limit       int           // Размер окна чтения
	Lease       time.Duration // Длительность аренды
	MaxAttempts int           // Порог poison
	Now         time.Time
}

// LeaseUntil возвращает момент окончания аренды.
func (r ClaimRequest) LeaseUntil() time.Time {
	return r.Now.Add(r.Lease)
}

// Failure — результат неудачной публикации.
type Failure struct {
	Err           string
	NextAttemptAt time.Time
}

// Store — хранилище outbox со стороны релея.
// Все переходы после захвата условны: claimed_by = owner AND state = DISPATCHING.
type Store interface {
	// Claim атомарно захватывает записи, готовые к отправке.
	// Потерянные в гонке записи просто отсутствуют в результате.
	// Результат упорядочен по (aggregate_key, id).
	Claim(ctx context.Context, req ClaimRequest) ([]*Message, error)

	// MarkDispatched переводит запись в DISPATCHED.
	MarkDispatched(ctx context.Context, id, owner string, at time.Time) error

	// MarkFailed увеличивает attempts и переводит запись в FAILED.
	MarkFailed(ctx context.Context, id, owner string, f Failure) error

	// Release снимает захват без расхода попытки: FAILED, если попытки
	// уже были, иначе PENDING.
	Release(ctx context.Context, owner string, ids ...string) error

	// Get возвращает запись по id.
	Get(ctx context.Context, id string) (*Message, error)

	// ListDeadLetters возвращает записи, исчерпавшие попытки.
	ListDeadLetters(ctx context.Context, maxAttempts, limit int) ([]*Message, error)

	// DeleteDispatchedBefore удаляет не больше limit записей DISPATCHED
	// старше before.
	DeleteDispatchedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// =============================================================================
// Общие правила захвата (используются всеми реализациями Store)
// =============================================================================

// Eligible сообщает, можно ли захватить запись сейчас.
func Eligible(m *Message, req ClaimRequest) bool {
	switch m.State {
	case StatePending:
		return true
	case StateFailed:
		if m.Attempts >= req.MaxAttempts {
			return false
		}
		return m.NextAttemptAt == nil || !m.NextAttemptAt.After(req.Now)
	case StateDispatching:
		return m.LeaseUntil == nil || m.LeaseUntil.Before(req.Now)
	default:
		return false
	}
}

// Candidates отбирает из окна (отсортированного по aggregate_key, id и
// без DISPATCHED и poison записей) ведущую серию готовых записей каждого
// агрегата. Первая неготовая запись агрегата блокирует все следующие, но
// не записи других агрегатов. Не больше req.Limit записей, если он задан.
//
// Лимит относится к кандидатам, а не к окну: заблокированные записи
// одного агрегата не должны вытеснять остальные.
func Candidates(window []*Message, req ClaimRequest) []*Message {
	var (
		out     []*Message
		blocked = make(map[string]bool)
	)

	for _, m := range window {
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
		if m.State == StateDispatched || m.IsPoison(req.MaxAttempts) {
			continue
		}
		if blocked[m.AggregateKey] {
			continue
		}
		if !Eligible(m, req) {
			blocked[m.AggregateKey] = true
			continue
		}
		out = append(out, m)
	}

	return out
}

// IDs возвращает идентификаторы записей.
func IDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// Contiguous оставляет из захваченного только то, что не обгоняет
// незахваченного кандидата того же агрегата. Возвращает оставленные
// записи в порядке кандидатов и id записей, которые нужно отпустить.
func Contiguous(candidates, claimed []*Message) (keep []*Message, release []string) {
	byID := make(map[string]*Message, len(claimed))
	for _, m := range claimed {
		byID[m.ID] = m
	}

	gap := make(map[string]bool)
	lost := 0
	for _, c := range candidates {
		m, ok := byID[c.ID]
		if !ok {
			gap[c.AggregateKey] = true
			lost++
			continue
		}
		if gap[c.AggregateKey] {
			release = append(release, m.ID)
			continue
		}
		keep = append(keep, m)
	}

	if lost > 0 {
		metrics.OutboxClaimConflicts.Add(float64(lost))
	}
	return keep, release
}
