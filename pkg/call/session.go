package call

import (
	"time"

	"github.com/arzzra/video_phone/pkg/media"
)

// State состояние сессии вызова
type State string

const (
	// StateIdle - начальное состояние, сессии нет
	StateIdle State = "idle"
	// StateCalling - отправлен call-request, ждем ответа удаленной стороны
	StateCalling State = "calling"
	// StateRinging - получен call-request, ждем решения локального пользователя
	StateRinging State = "ringing"
	// StateConnecting - вызов принят локально, идет захват медиа и отправка call-accept
	StateConnecting State = "connecting"
	// StateConnected - вызов состоялся
	StateConnected State = "connected"
	// StateEnded - вызов завершен (терминальное)
	StateEnded State = "ended"
	// StateDeclined - вызов отклонен (терминальное)
	StateDeclined State = "declined"
)

// String возвращает строковое представление состояния
func (s State) String() string {
	return string(s)
}

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateDeclined
}

// IsActive проверяет, описывает ли состояние живую сессию
func (s State) IsActive() bool {
	return s != StateIdle && !s.IsTerminal()
}

// Participant участник вызова.
// StreamID - слабая ссылка на дескриптор потока, которым владеет
// медиа-движок; автомат никогда не владеет ресурсами захвата.
type Participant struct {
	ID           string
	Name         string
	Avatar       string
	IsAudioMuted bool
	IsVideoMuted bool
	StreamID     string
}

// Session авторитетная запись состояния одного вызова.
//
// Значения, отдаваемые наружу (события, GetCurrentCall), - снимки:
// мутирует сессию только Machine под своей блокировкой.
type Session struct {
	// ID уникален и неизменяем с момента создания, повторно не используется
	ID string

	// Type тип вызова
	Type media.CallType

	// Participants удаленные стороны в порядке приглашения
	Participants []Participant

	// Local локальная сторона
	Local Participant

	// State текущее состояние автомата
	State State

	// StartTime момент создания сессии
	StartTime time.Time

	// EndTime и Duration выставляются ровно один раз, при переходе
	// в терминальное состояние
	EndTime  time.Time
	Duration time.Duration

	// IsGroup истинно при более чем одном удаленном участнике
	IsGroup bool

	// OriginatorID инициатор вызова
	OriginatorID string

	// EverConnected вызов хотя бы раз побывал в connected
	EverConnected bool

	// DeclinedLocally локальный пользователь явно отклонил вызов
	DeclinedLocally bool

	// DeclineReason причина отклонения, если была передана
	DeclineReason string
}

// snapshot возвращает копию сессии с отвязанным списком участников
func (s *Session) snapshot() Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	return out
}

// participantIDs возвращает идентификаторы удаленных участников
func (s *Session) participantIDs() []string {
	ids := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Event уведомление о смене состояния или изменении снимка участников.
// Доставляется подписчикам синхронно, в порядке подписки.
type Event struct {
	State   State
	Session Session
}
