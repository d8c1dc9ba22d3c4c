// Package history хранит журнал завершенных вызовов.
//
// Record создается координатором ровно один раз на терминальный переход
// сессии, добавляется в Store и больше не изменяется.
package history

import "time"

// Direction направление вызова в журнале
type Direction string

const (
	// DirectionIncoming - входящий вызов, на который ответили или
	// который локальная сторона сама отклонила
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing - исходящий состоявшийся вызов
	DirectionOutgoing Direction = "outgoing"
	// DirectionMissed - пропущенный вызов: входящий без ответа либо
	// исходящий, отклоненный удаленной стороной
	DirectionMissed Direction = "missed"
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	return string(d)
}

// Participant участник вызова в записи журнала
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Record запись журнала вызовов.
// ID совпадает с идентификатором породившей сессии.
type Record struct {
	ID            string        `json:"id"`
	ContactID     string        `json:"contactId"`
	ContactName   string        `json:"contactName,omitempty"`
	ContactAvatar string        `json:"contactAvatar,omitempty"`
	Direction     Direction     `json:"direction"`
	CallType      string        `json:"callType"`
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	IsGroup       bool          `json:"isGroup,omitempty"`
}
