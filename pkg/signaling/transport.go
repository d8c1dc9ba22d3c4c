package signaling

import "context"

// Handler обработчик входящих сигнальных сообщений
type Handler func(Message)

// Transport транспортный уровень доставки сигнальных сообщений.
//
// Гарантии доставки минимальны: одна попытка отправки на вызов Send,
// без подтверждений и без сохранения порядка между отправителями.
// Подписчики получают сообщения в порядке регистрации.
type Transport interface {
	// Connect устанавливает соединение и регистрирует локальную
	// идентичность для входящих вызовов
	Connect(ctx context.Context) error

	// Send отправляет сообщение всем получателям из msg.To.
	// Ошибка отправки одному получателю не прерывает доставку остальным.
	Send(ctx context.Context, msg Message) error

	// Subscribe регистрирует обработчик входящих сообщений и возвращает
	// идентификатор подписки
	Subscribe(h Handler) string

	// Unsubscribe удаляет ровно одну подписку. Повторный вызов - no-op.
	Unsubscribe(id string)

	// Connected сообщает, установлено ли соединение
	Connected() bool

	// LocalID возвращает зарегистрированную локальную идентичность
	LocalID() string

	// Close разрывает соединение и освобождает ресурсы
	Close() error
}
