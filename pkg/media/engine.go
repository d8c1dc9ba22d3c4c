// Package media определяет границу медиа-движка: захват локального
// аудио/видео потока, управление треками и per-peer контексты
// медиа-переговоров. Ядро вызова потребляет эти интерфейсы и никогда
// не владеет ресурсами захвата - владелец всегда Engine.
package media

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// CallType тип вызова, определяющий состав захватываемых треков
type CallType string

const (
	// CallTypeAudio - только аудио
	CallTypeAudio CallType = "audio"
	// CallTypeVideo - аудио и видео
	CallTypeVideo CallType = "video"
)

// String возвращает строковое представление типа вызова
func (t CallType) String() string {
	return string(t)
}

// Valid проверяет, известен ли тип вызова
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// TrackKind вид трека в локальном потоке
type TrackKind string

const (
	// TrackAudio - аудио трек
	TrackAudio TrackKind = "audio"
	// TrackVideo - видео трек
	TrackVideo TrackKind = "video"
)

// CameraFacing направление камеры
type CameraFacing string

const (
	CameraFront CameraFacing = "front"
	CameraBack  CameraFacing = "back"
)

// StreamHandle дескриптор локального медиа-потока.
//
// Дескриптор принадлежит движку: остальные слои держат только слабую
// ссылку и не мутируют его напрямую - все изменения идут через операции
// Engine.
type StreamHandle struct {
	// ID уникальный идентификатор потока
	ID string

	// Type тип вызова, под который захвачен поток
	Type CallType

	// AudioEnabled и VideoEnabled текущие флаги включенности треков
	AudioEnabled bool
	VideoEnabled bool

	// Facing текущее направление камеры (для видео)
	Facing CameraFacing
}

// PeerContext per-participant контекст медиа-переговоров.
// Соответствует одному удаленному участнику вызова.
type PeerContext interface {
	// PeerID возвращает идентификатор удаленного участника
	PeerID() string

	// CreateOffer создает SDP offer для участника
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)

	// CreateAnswer создает SDP answer на полученный offer
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)

	// SetLocalDescription применяет локальное описание сессии
	SetLocalDescription(desc webrtc.SessionDescription) error

	// SetRemoteDescription применяет описание удаленной стороны
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddICECandidate добавляет ICE кандидата удаленной стороны
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// Close освобождает ресурсы контекста. Идемпотентен.
	Close() error
}

// Engine медиа-движок: захват и управление локальным потоком.
//
// Реализация выбирается при конструировании (продакшн или in-memory);
// потребители никогда не ветвятся по конкретному типу.
type Engine interface {
	// AcquireLocalStream захватывает локальный поток для указанного
	// типа вызова. Повторный захват при уже выданном дескрипторе
	// возвращает тот же дескриптор.
	AcquireLocalStream(ctx context.Context, callType CallType) (*StreamHandle, error)

	// ReleaseStream освобождает ранее захваченный поток.
	// Освобождение неизвестного или уже освобожденного потока - no-op.
	ReleaseStream(handle *StreamHandle)

	// SetTrackEnabled включает/выключает трек указанного вида
	SetTrackEnabled(handle *StreamHandle, kind TrackKind, enabled bool) error

	// SwitchCamera переключает направление камеры видео-трека
	SwitchCamera(handle *StreamHandle) error

	// NewPeerContext создает контекст медиа-переговоров для участника
	NewPeerContext(peerID string, handle *StreamHandle) (PeerContext, error)
}
