package signaling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// SignalType тип сигнального сообщения
type SignalType string

const (
	// SignalOffer - SDP offer для медиа-переговоров
	SignalOffer SignalType = "offer"
	// SignalAnswer - SDP answer для медиа-переговоров
	SignalAnswer SignalType = "answer"
	// SignalICECandidate - ICE кандидат для медиа-переговоров
	SignalICECandidate SignalType = "ice-candidate"
	// SignalCallRequest - запрос на установление вызова
	SignalCallRequest SignalType = "call-request"
	// SignalCallAccept - вызываемая сторона приняла вызов
	SignalCallAccept SignalType = "call-accept"
	// SignalCallDecline - вызываемая сторона отклонила вызов
	SignalCallDecline SignalType = "call-decline"
	// SignalCallEnd - завершение активного вызова
	SignalCallEnd SignalType = "call-end"
	// SignalCallCancel - вызывающая сторона отменила вызов до ответа
	SignalCallCancel SignalType = "call-cancel"
)

// String возвращает строковое представление типа сигнала
func (t SignalType) String() string {
	return string(t)
}

// IsNegotiation проверяет, относится ли тип к медиа-переговорам.
// Такие сообщения ядро вызова пересылает в медиа-движок как есть.
func (t SignalType) IsNegotiation() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

var knownTypes = map[SignalType]bool{
	SignalOffer:        true,
	SignalAnswer:       true,
	SignalICECandidate: true,
	SignalCallRequest:  true,
	SignalCallAccept:   true,
	SignalCallDecline:  true,
	SignalCallEnd:      true,
	SignalCallCancel:   true,
}

// Message сигнальное сообщение вызова.
//
// Значение неизменяемо после создания. CallID связывает сообщение с
// конкретным вызовом; сообщения с неизвестным CallID отбрасываются
// получателем без ошибки.
type Message struct {
	Type      SignalType      `json:"type"`
	CallID    string          `json:"callId"`
	From      string          `json:"fromId"`
	To        []string        `json:"toId"`
	Payload   json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage создает сообщение с текущей временной меткой.
// payload может быть nil; иначе сериализуется в JSON.
func NewMessage(t SignalType, callID, from string, to []string, payload interface{}) (Message, error) {
	msg := Message{
		Type:      t,
		CallID:    callID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, errors.Wrap(err, "failed to marshal signal payload")
		}
		msg.Payload = raw
	}

	return msg, nil
}

// Validate проверяет обязательные поля сообщения
func (m Message) Validate() error {
	if !knownTypes[m.Type] {
		return newTransportError(ErrorCodeMessageInvalid, "", "unknown signal type: "+string(m.Type))
	}
	if m.CallID == "" {
		return newTransportError(ErrorCodeMessageInvalid, "", "empty callId")
	}
	if m.From == "" {
		return newTransportError(ErrorCodeMessageInvalid, "", "empty fromId")
	}
	if len(m.To) == 0 {
		return newTransportError(ErrorCodeMessageInvalid, "", "empty toId")
	}
	return nil
}

// DecodePayload десериализует payload сообщения в указанную структуру
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload", m.Type)
	}
	return nil
}

// CallRequestPayload полезная нагрузка call-request
type CallRequestPayload struct {
	CallType     string   `json:"type"`
	CallerName   string   `json:"callerName,omitempty"`
	CallerAvatar string   `json:"callerAvatar,omitempty"`
	// Полный список приглашенных, чтобы каждая сторона видела состав
	// группового вызова
	Participants []string `json:"participants,omitempty"`
}

// DeclinePayload полезная нагрузка call-decline
type DeclinePayload struct {
	Reason string `json:"reason,omitempty"`
}

// Причины отклонения вызова
const (
	// DeclineReasonBusy - получатель уже в другом вызове
	DeclineReasonBusy = "busy"
	// DeclineReasonTimeout - входящий вызов не был принят вовремя
	DeclineReasonTimeout = "timeout"
)

// DescriptionPayload полезная нагрузка offer/answer
type DescriptionPayload struct {
	Description webrtc.SessionDescription `json:"description"`
}

// CandidatePayload полезная нагрузка ice-candidate
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
