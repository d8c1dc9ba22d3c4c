package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок медиа слоя
type MediaErrorCode int

const (
	// ErrorCodeDeviceUnavailable - устройство захвата недоступно
	ErrorCodeDeviceUnavailable MediaErrorCode = iota + 1000
	// ErrorCodeStreamReleased - операция над освобожденным потоком
	ErrorCodeStreamReleased
	// ErrorCodeTrackUnknown - в потоке нет трека указанного вида
	ErrorCodeTrackUnknown
	// ErrorCodePeerClosed - контекст участника уже закрыт
	ErrorCodePeerClosed
	// ErrorCodeNegotiationFailed - ошибка медиа-переговоров
	ErrorCodeNegotiationFailed
	// ErrorCodeCallTypeInvalid - неизвестный тип вызова
	ErrorCodeCallTypeInvalid
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeDeviceUnavailable:
		return "DeviceUnavailable"
	case ErrorCodeStreamReleased:
		return "StreamReleased"
	case ErrorCodeTrackUnknown:
		return "TrackUnknown"
	case ErrorCodePeerClosed:
		return "PeerClosed"
	case ErrorCodeNegotiationFailed:
		return "NegotiationFailed"
	case ErrorCodeCallTypeInvalid:
		return "CallTypeInvalid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа слоя.
// Содержит типизированный код, идентификатор потока для сопоставления
// с логами и контекстную информацию.
type MediaError struct {
	Code     MediaErrorCode
	StreamID string
	Message  string
	Context  map[string]interface{}
	Wrapped  error
}

// Error реализует интерфейс error
func (e *MediaError) Error() string {
	if e.StreamID != "" {
		return fmt.Sprintf("[медиа:%s] поток %s: %s", e.Code, e.StreamID, e.Message)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewMediaError создает новую ошибку медиа слоя
func NewMediaError(code MediaErrorCode, streamID, message string) *MediaError {
	return &MediaError{Code: code, StreamID: streamID, Message: message}
}

// WrapMediaError оборачивает существующую ошибку в MediaError
func WrapMediaError(code MediaErrorCode, streamID, message string, err error) *MediaError {
	return &MediaError{Code: code, StreamID: streamID, Message: message, Wrapped: err}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
