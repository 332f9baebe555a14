package messaging

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — явная таблица "тип сообщения → обработчик".
// Собирается в main, автообнаружения нет.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register связывает тип с обработчиком. Повторная регистрация — ошибка.
func (r *Registry) Register(messageType string, h Handler) error {
	if messageType == "" {
		return ErrNoMessageType
	}
	if h == nil {
		return fmt.Errorf("обработчик для %s не задан", messageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[messageType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, messageType)
	}
	r.handlers[messageType] = h
	return nil
}

// Lookup возвращает обработчик типа.
func (r *Registry) Lookup(messageType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[messageType]
	return h, ok
}

// Types возвращает зарегистрированные типы в алфавитном порядке.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
