package signaling

import (
	"errors"
	"fmt"
)

// TransportErrorCode определяет типизированные коды ошибок транспорта
type TransportErrorCode int

const (
	// ErrorCodeNotConnected - операция требует установленного соединения
	ErrorCodeNotConnected TransportErrorCode = iota + 2000
	// ErrorCodeDialFailed - не удалось установить соединение
	ErrorCodeDialFailed
	// ErrorCodeSendFailed - отправка сообщения не удалась
	ErrorCodeSendFailed
	// ErrorCodeClosed - транспорт закрыт
	ErrorCodeClosed
	// ErrorCodeMessageInvalid - сообщение не прошло валидацию
	ErrorCodeMessageInvalid
	// ErrorCodeUnknownPeer - получатель не зарегистрирован в транспорте
	ErrorCodeUnknownPeer
)

// String возвращает строковое представление кода ошибки
func (code TransportErrorCode) String() string {
	switch code {
	case ErrorCodeNotConnected:
		return "NotConnected"
	case ErrorCodeDialFailed:
		return "DialFailed"
	case ErrorCodeSendFailed:
		return "SendFailed"
	case ErrorCodeClosed:
		return "Closed"
	case ErrorCodeMessageInvalid:
		return "MessageInvalid"
	case ErrorCodeUnknownPeer:
		return "UnknownPeer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// TransportError ошибка транспортного уровня сигналинга.
// Содержит типизированный код и идентификатор локальной стороны
// для сопоставления с логами.
type TransportError struct {
	Code    TransportErrorCode
	PeerID  string
	Message string
	Wrapped error
}

// Error реализует интерфейс error
func (e *TransportError) Error() string {
	if e.PeerID != "" {
		return fmt.Sprintf("[транспорт:%s] %s: %s", e.Code, e.PeerID, e.Message)
	}
	return fmt.Sprintf("[транспорт:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *TransportError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *TransportError) Is(target error) bool {
	if t, ok := target.(*TransportError); ok {
		return e.Code == t.Code
	}
	return false
}

func newTransportError(code TransportErrorCode, peerID, message string) *TransportError {
	return &TransportError{Code: code, PeerID: peerID, Message: message}
}

// WrapTransportError оборачивает существующую ошибку в TransportError
func WrapTransportError(code TransportErrorCode, peerID, message string, err error) *TransportError {
	return &TransportError{Code: code, PeerID: peerID, Message: message, Wrapped: err}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code TransportErrorCode) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
