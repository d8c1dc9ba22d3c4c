package call

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок вызова
type ErrorCategory string

const (
	// ErrorCategoryState - операция невалидна в текущем состоянии автомата
	ErrorCategoryState ErrorCategory = "STATE"
	// ErrorCategoryMedia - сбой захвата или управления медиа
	ErrorCategoryMedia ErrorCategory = "MEDIA"
	// ErrorCategoryTransport - сбой сигнального транспорта
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	// ErrorCategoryConfig - некорректные параметры операции
	ErrorCategoryConfig ErrorCategory = "CONFIG"
)

// String возвращает строковое представление категории
func (ec ErrorCategory) String() string {
	return string(ec)
}

// Коды ошибок состояния
const (
	CodeAlreadyInCall    = "already_in_call"
	CodeNoRingingSession = "no_ringing_session"
	CodeNoActiveSession  = "no_active_session"
	CodeInvalidCallType  = "invalid_call_type"
	CodeNoParticipants   = "no_participants"
	CodeNotConnected     = "transport_not_connected"
	CodeMediaAcquire     = "media_acquire_failed"
)

// CallError структурированная ошибка операций вызова
type CallError struct {
	// Code уникальный код ошибки
	Code string
	// Message человекочитаемое сообщение
	Message string
	// Category категория ошибки
	Category ErrorCategory
	// CallID идентификатор сессии, если есть
	CallID string
	// State состояние автомата в момент ошибки
	State State
	// Timestamp время возникновения
	Timestamp time.Time
	// Cause исходная ошибка
	Cause error
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (callID: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// WithCallID привязывает ошибку к сессии
func (e *CallError) WithCallID(callID string) *CallError {
	e.CallID = callID
	return e
}

// WithState фиксирует состояние автомата в момент ошибки
func (e *CallError) WithState(state State) *CallError {
	e.State = state
	return e
}

// WithCause добавляет исходную ошибку
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	return e
}

// NewCallError создает новую структурированную ошибку
func NewCallError(code, message string, category ErrorCategory) *CallError {
	return &CallError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// NewStateError создает ошибку категории STATE
func NewStateError(code, message string) *CallError {
	return NewCallError(code, message, ErrorCategoryState)
}

// IsStateError проверяет, относится ли ошибка к категории STATE
func IsStateError(err error) bool {
	return hasCategory(err, ErrorCategoryState)
}

// IsMediaError проверяет, относится ли ошибка к категории MEDIA
func IsMediaError(err error) bool {
	return hasCategory(err, ErrorCategoryMedia)
}

// IsTransportError проверяет, относится ли ошибка к категории TRANSPORT
func IsTransportError(err error) bool {
	return hasCategory(err, ErrorCategoryTransport)
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code string) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func hasCategory(err error, category ErrorCategory) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}
