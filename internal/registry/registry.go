// Package registry реализует реестр подписчиков с ключом-идентификатором.
// Уведомление идет в порядке подписки; отписка удаляет ровно одну запись
// и идемпотентна.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry упорядоченный реестр обработчиков значений типа T
type Registry[T any] struct {
	mu    sync.RWMutex
	subs  map[string]func(T)
	order []string
}

// New создает пустой реестр
func New[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[string]func(T))}
}

// Add регистрирует обработчик и возвращает идентификатор подписки
func (r *Registry[T]) Add(fn func(T)) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	r.subs[id] = fn
	r.order = append(r.order, id)
	return id
}

// Remove удаляет подписку. Повторный вызов - no-op.
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[id]; !exists {
		return
	}
	delete(r.subs, id)
	for i, key := range r.order {
		if key == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Notify синхронно вызывает подписчиков в порядке подписки
func (r *Registry[T]) Notify(value T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.order))
	for _, id := range r.order {
		if fn, ok := r.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(value)
	}
}
