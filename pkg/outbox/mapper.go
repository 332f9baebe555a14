package outbox

import (
	"errors"
	"fmt"
	"sort"
)

// DomainEvent — событие, которое обработчик возвращает после изменения состояния.
type DomainEvent interface {
	EventName() string
}

// IntegrationEvent — то, что публикуется наружу.
type IntegrationEvent struct {
	Type         string // Имя контракта, определяет destination
	AggregateKey string // Ключ порядка
	Payload      any    // Сериализуется в JSON; []byte пишется как есть
}

type mapFunc func(DomainEvent) (*IntegrationEvent, error)

// Mapper сопоставляет доменные события интеграционным.
// Маршруты регистрируются один раз при старте и дальше только читаются.
type Mapper struct {
	routes  map[string]mapFunc
	ignored map[string]struct{}
	errs    []error
}

// NewMapper создаёт пустой маппер.
func NewMapper() *Mapper {
	return &Mapper{
		routes:  make(map[string]mapFunc),
		ignored: make(map[string]struct{}),
	}
}

// Register связывает тип доменного события с функцией маппинга.
// Имя события берётся из нулевого значения E, поэтому EventName
// должен работать на нулевом значении. fn возвращает nil, если событие
// не публикуется. Повторная регистрация попадает в ошибки Validate.
func Register[E DomainEvent](m *Mapper, fn func(E) (*IntegrationEvent, error)) *Mapper {
	var zero E
	name := zero.EventName()

	if m.known(name) {
		m.errs = append(m.errs, fmt.Errorf("событие %s зарегистрировано повторно", name))
		return m
	}

	m.routes[name] = func(ev DomainEvent) (*IntegrationEvent, error) {
		typed, ok := ev.(E)
		if !ok {
			return nil, fmt.Errorf("%w: ожидался %T, получен %T", ErrInvalidIntegrationEvent, zero, ev)
		}
		return fn(typed)
	}
	return m
}

// Ignore объявляет внутренние события, которые не публикуются.
func (m *Mapper) Ignore(names ...string) *Mapper {
	for _, name := range names {
		if m.known(name) {
			m.errs = append(m.errs, fmt.Errorf("событие %s зарегистрировано повторно", name))
			continue
		}
		m.ignored[name] = struct{}{}
	}
	return m
}

func (m *Mapper) known(name string) bool {
	_, routed := m.routes[name]
	_, ignored := m.ignored[name]
	return routed || ignored
}

// Map возвращает интеграционное событие или nil для игнорируемых.
// Неизвестное событие — *MappingError с ErrUnmappedEvent.
func (m *Mapper) Map(ev DomainEvent) (*IntegrationEvent, error) {
	if ev == nil {
		return nil, &MappingError{Event: "<nil>", Err: ErrUnmappedEvent}
	}
	name := ev.EventName()

	if _, ok := m.ignored[name]; ok {
		return nil, nil
	}

	fn, ok := m.routes[name]
	if !ok {
		return nil, &MappingError{Event: name, Err: ErrUnmappedEvent}
	}

	ie, err := fn(ev)
	if err != nil {
		return nil, &MappingError{Event: name, Err: err}
	}
	if ie == nil {
		return nil, nil
	}
	if ie.Type == "" || ie.AggregateKey == "" {
		return nil, &MappingError{
			Event: name,
			Err:   fmt.Errorf("%w: пустой type или aggregate key", ErrInvalidIntegrationEvent),
		}
	}
	return ie, nil
}

// Validate проверяет, что каждое известное доменное событие имеет маршрут
// или явно проигнорировано. Вызывается при старте сервиса.
func (m *Mapper) Validate(known ...string) error {
	errs := append([]error(nil), m.errs...)

	var missing []string
	for _, name := range known {
		if !m.known(name) {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		errs = append(errs, &MappingError{Event: name, Err: ErrUnmappedEvent})
	}

	return errors.Join(errs...)
}
