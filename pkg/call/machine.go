package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/video_phone/internal/registry"
	"github.com/arzzra/video_phone/pkg/media"
	"github.com/arzzra/video_phone/pkg/signaling"
)

// MachineConfig конфигурация автомата вызова
type MachineConfig struct {
	// Local локальная сторона: идентичность для исходящих запросов
	Local Participant

	// RingTimeout время, через которое неотвеченный входящий вызов
	// отклоняется автоматически. 0 - значение по умолчанию.
	RingTimeout time.Duration

	// DialTimeout время, через которое неотвеченный исходящий вызов
	// отменяется. 0 - значение по умолчанию.
	DialTimeout time.Duration

	// Ringer звуковая индикация; nil - без звука
	Ringer Ringer

	// Metrics сборщик метрик; nil - без метрик
	Metrics *Metrics
}

/*
FSM сессии вызова:

	[idle] → [calling] → [connected] → [ended]
	[idle] → [ringing] → [connecting] → [connected]
	[calling|ringing|connecting] → [declined]
	[calling|ringing|connecting|connected] → [ended]

Терминальные состояния: ended, declined. Выходящих переходов из них
нет - новая сессия создается заново из idle.

События именуются formEventName(src, dst), формат "src_to_dst".
*/
func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: formEventName(StateIdle, StateCalling), Src: []string{string(StateIdle)}, Dst: string(StateCalling)},
			{Name: formEventName(StateIdle, StateRinging), Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: formEventName(StateCalling, StateConnected), Src: []string{string(StateCalling)}, Dst: string(StateConnected)},
			{Name: formEventName(StateRinging, StateConnecting), Src: []string{string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: formEventName(StateConnecting, StateConnected), Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: formEventName(StateCalling, StateDeclined), Src: []string{string(StateCalling)}, Dst: string(StateDeclined)},
			{Name: formEventName(StateRinging, StateDeclined), Src: []string{string(StateRinging)}, Dst: string(StateDeclined)},
			{Name: formEventName(StateConnecting, StateDeclined), Src: []string{string(StateConnecting)}, Dst: string(StateDeclined)},
			{Name: formEventName(StateCalling, StateEnded), Src: []string{string(StateCalling)}, Dst: string(StateEnded)},
			{Name: formEventName(StateRinging, StateEnded), Src: []string{string(StateRinging)}, Dst: string(StateEnded)},
			{Name: formEventName(StateConnecting, StateEnded), Src: []string{string(StateConnecting)}, Dst: string(StateEnded)},
			{Name: formEventName(StateConnected, StateEnded), Src: []string{string(StateConnected)}, Dst: string(StateEnded)},
		},
		nil,
	)
}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// Machine конечный автомат одиночной активной сессии вызова.
//
// Все операции сериализованы одним мьютексом: локальные действия,
// входящие сигналы и колбеки таймеров исполняются на одной временной
// шкале, поэтому автомат никогда не наблюдает частично примененный
// переход, а окна, в котором могли бы существовать две сессии, нет.
//
// Исходящие сигналы и события подписчиков копятся внутри критической
// секции и обрабатываются после снятия блокировки: синхронный ответ
// удаленной стороны (например, busy) не может реентерабельно войти в
// автомат, а обработчик события может свободно вызывать операции
// автомата - переход к этому моменту уже зафиксирован.
type Machine struct {
	config    MachineConfig
	transport signaling.Transport
	engine    media.Engine
	ringer    Ringer
	metrics   *Metrics

	mu          sync.Mutex
	fsm         *fsm.FSM
	session     *Session
	localStream *media.StreamHandle
	peers       map[string]media.PeerContext
	ringTimer   *time.Timer
	dialTimer   *time.Timer
	outbox      []signaling.Message
	pending     []Event

	subscribers *registry.Registry[Event]
	transportID string
}

// NewMachine создает автомат и подписывает его на входящие сигналы
// транспорта
func NewMachine(config MachineConfig, transport signaling.Transport, engine media.Engine) *Machine {
	if config.RingTimeout <= 0 {
		config.RingTimeout = DefaultRingTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	ringer := config.Ringer
	if ringer == nil {
		ringer = NopRinger{}
	}

	m := &Machine{
		config:      config,
		transport:   transport,
		engine:      engine,
		ringer:      ringer,
		metrics:     config.Metrics,
		peers:       make(map[string]media.PeerContext),
		subscribers: registry.New[Event](),
	}
	m.transportID = transport.Subscribe(m.HandleSignalingMessage)
	return m
}

// Close отписывает автомат от транспорта и освобождает ресурсы сессии
func (m *Machine) Close() {
	m.transport.Unsubscribe(m.transportID)
	m.ForceCleanup()
}

// Subscribe регистрирует обработчик событий состояния.
// Обработчики вызываются после фиксации перехода, вне блокировки
// автомата, и могут вызывать его операции.
func (m *Machine) Subscribe(fn func(Event)) string {
	return m.subscribers.Add(fn)
}

// Unsubscribe удаляет подписку. Повторный вызов - no-op.
func (m *Machine) Unsubscribe(id string) {
	m.subscribers.Remove(id)
}

// State возвращает текущее состояние автомата
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return StateIdle
	}
	return m.session.State
}

// IsInCall проверяет, есть ли живая сессия
func (m *Machine) IsInCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// CurrentSession возвращает снимок активной сессии.
// Второе значение ложно, если активной сессии нет.
func (m *Machine) CurrentSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return Session{}, false
	}
	return m.session.snapshot(), true
}

// StartCall начинает исходящий вызов к указанным участникам.
//
// Предусловие: активной сессии нет, иначе StateError already_in_call.
// Сбой захвата медиа освобождает все ресурсы и не оставляет сессии.
func (m *Machine) StartCall(ctx context.Context, participantIDs []string, callType media.CallType) (Session, error) {
	m.mu.Lock()
	sess, err := m.startCallLocked(ctx, participantIDs, callType)
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(ctx, events, out)
	return sess, err
}

func (m *Machine) startCallLocked(ctx context.Context, participantIDs []string, callType media.CallType) (Session, error) {
	if m.session != nil {
		m.metrics.ErrorOccurred(ErrorCategoryState)
		return Session{}, NewStateError(CodeAlreadyInCall, "активная сессия уже существует").
			WithCallID(m.session.ID).WithState(m.session.State)
	}
	if !callType.Valid() {
		return Session{}, NewCallError(CodeInvalidCallType, "неизвестный тип вызова: "+string(callType), ErrorCategoryConfig)
	}
	if len(participantIDs) == 0 {
		return Session{}, NewCallError(CodeNoParticipants, "пустой список участников", ErrorCategoryConfig)
	}

	participants := make([]Participant, len(participantIDs))
	for i, id := range participantIDs {
		participants[i] = Participant{ID: id}
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Type:         callType,
		Participants: participants,
		Local:        m.config.Local,
		State:        StateIdle,
		StartTime:    time.Now(),
		IsGroup:      len(participantIDs) > 1,
		OriginatorID: m.config.Local.ID,
	}

	slog.Debug("Machine.StartCall",
		slog.String("callID", sess.ID),
		slog.String("type", callType.String()),
		slog.Int("participants", len(participantIDs)))

	// Ссылка на сессию выставляется до захвата медиа: параллельно
	// прибывший call-request уже получит отказ busy
	m.fsm = newSessionFSM()
	m.session = sess

	handle, err := m.engine.AcquireLocalStream(ctx, callType)
	if err != nil {
		slog.Warn("Machine.StartCall: захват медиа не удался",
			slog.String("callID", sess.ID),
			slog.String("error", err.Error()))
		m.metrics.ErrorOccurred(ErrorCategoryMedia)
		m.cleanupLocked()
		return Session{}, NewCallError(CodeMediaAcquire, "не удалось захватить локальный поток", ErrorCategoryMedia).
			WithCallID(sess.ID).WithCause(err)
	}
	m.localStream = handle
	sess.Local.StreamID = handle.ID

	if err := m.transitionLocked(StateCalling); err != nil {
		m.cleanupLocked()
		return Session{}, err
	}

	m.queueLocked(signaling.SignalCallRequest, sess.ID, participantIDs, signaling.CallRequestPayload{
		CallType:     callType.String(),
		CallerName:   m.config.Local.Name,
		CallerAvatar: m.config.Local.Avatar,
		Participants: participantIDs,
	})

	m.ringer.StartRingback()
	m.scheduleDialTimeoutLocked(sess.ID)
	m.metrics.SessionCreated()
	m.emitLocked()

	return sess.snapshot(), nil
}

// AnswerCall принимает входящий вызов.
//
// Предусловие: сессия с указанным id существует и находится в ringing.
// Сбой захвата медиа завершает сессию терминально: вызывающая сторона
// получает call-decline и не ждет таймаута, вызов попадает в журнал.
func (m *Machine) AnswerCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	err := m.answerCallLocked(ctx, callID)
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(ctx, events, out)
	return err
}

func (m *Machine) answerCallLocked(ctx context.Context, callID string) error {
	if m.session == nil || m.session.ID != callID || m.session.State != StateRinging {
		m.metrics.ErrorOccurred(ErrorCategoryState)
		return NewStateError(CodeNoRingingSession, "нет входящей сессии в состоянии ringing").WithCallID(callID)
	}
	sess := m.session

	slog.Debug("Machine.AnswerCall", slog.String("callID", callID))

	if err := m.transitionLocked(StateConnecting); err != nil {
		return err
	}
	m.emitLocked()

	if m.localStream == nil {
		handle, err := m.engine.AcquireLocalStream(ctx, sess.Type)
		if err != nil {
			slog.Warn("Machine.AnswerCall: захват медиа не удался",
				slog.String("callID", callID),
				slog.String("error", err.Error()))
			m.metrics.ErrorOccurred(ErrorCategoryMedia)

			// Отвечаем вызывающей стороне и завершаем сессию терминально,
			// чтобы вызов попал в журнал, а инициатор не ждал таймаута
			m.queueLocked(signaling.SignalCallDecline, sess.ID,
				[]string{sess.OriginatorID}, signaling.DeclinePayload{})
			if terr := m.terminateLocked(StateDeclined); terr != nil {
				slog.Warn("Machine.AnswerCall: терминальный переход не удался",
					slog.String("callID", callID),
					slog.String("error", terr.Error()))
				m.cleanupLocked()
			}
			return NewCallError(CodeMediaAcquire, "не удалось захватить локальный поток", ErrorCategoryMedia).
				WithCallID(callID).WithCause(err)
		}
		m.localStream = handle
		sess.Local.StreamID = handle.ID
	}

	m.ringer.Stop()
	m.cancelTimersLocked()

	m.queueLocked(signaling.SignalCallAccept, sess.ID, []string{sess.OriginatorID}, nil)

	if err := m.transitionLocked(StateConnected); err != nil {
		return err
	}
	sess.EverConnected = true
	m.emitLocked()
	return nil
}

// DeclineCall отклоняет входящий вызов.
// Отсутствие подходящей сессии - no-op, не ошибка: параллельный
// call-cancel мог уже завершить сессию.
func (m *Machine) DeclineCall(callID string) error {
	m.mu.Lock()
	err := m.declineCallLocked(callID)
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
	return err
}

func (m *Machine) declineCallLocked(callID string) error {
	if m.session == nil || m.session.ID != callID {
		slog.Debug("Machine.DeclineCall: сессия не найдена, игнорируем",
			slog.String("callID", callID))
		return nil
	}
	sess := m.session

	slog.Debug("Machine.DeclineCall", slog.String("callID", callID))

	m.queueLocked(signaling.SignalCallDecline, sess.ID,
		[]string{sess.OriginatorID}, signaling.DeclinePayload{})

	sess.DeclinedLocally = true
	return m.terminateLocked(StateDeclined)
}

// EndCall завершает активный вызов.
// Отсутствие сессии - no-op: второй участник гонки end/decline просто
// ничего не делает.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	err := m.endCallLocked()
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
	return err
}

func (m *Machine) endCallLocked() error {
	if m.session == nil {
		slog.Debug("Machine.EndCall: активной сессии нет, игнорируем")
		return nil
	}
	sess := m.session

	slog.Debug("Machine.EndCall",
		slog.String("callID", sess.ID),
		slog.String("state", sess.State.String()))

	m.queueLocked(signaling.SignalCallEnd, sess.ID, sess.participantIDs(), nil)

	return m.terminateLocked(StateEnded)
}

// ForceCleanup безусловно освобождает все ресурсы сессии.
// Аварийный люк для восстановления из зависшей сессии: события не
// эмитятся, запись в журнал не создается. Завершение зависшей
// асинхронной операции, пришедшее позже, обнаружит отсутствие сессии
// и ничего не сделает.
func (m *Machine) ForceCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Debug("Machine.ForceCleanup")
	m.cleanupLocked()
}

// ToggleAudioMute переключает mute аудио-трека и возвращает новое
// состояние muted. Без локального потока - no-op, возвращает false.
func (m *Machine) ToggleAudioMute() bool {
	m.mu.Lock()
	muted := m.toggleTrackLocked(media.TrackAudio)
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
	return muted
}

// ToggleVideoMute переключает mute видео-трека и возвращает новое
// состояние muted. Без локального потока - no-op, возвращает false.
func (m *Machine) ToggleVideoMute() bool {
	m.mu.Lock()
	muted := m.toggleTrackLocked(media.TrackVideo)
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
	return muted
}

func (m *Machine) toggleTrackLocked(kind media.TrackKind) bool {
	if m.session == nil || m.localStream == nil {
		return false
	}

	current := m.session.Local.IsAudioMuted
	if kind == media.TrackVideo {
		current = m.session.Local.IsVideoMuted
	}

	muted := !current
	if err := m.engine.SetTrackEnabled(m.localStream, kind, !muted); err != nil {
		slog.Warn("Machine: переключение трека не удалось",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		m.metrics.ErrorOccurred(ErrorCategoryMedia)
		return current
	}

	if kind == media.TrackVideo {
		m.session.Local.IsVideoMuted = muted
	} else {
		m.session.Local.IsAudioMuted = muted
	}

	// FSM-состояние не меняется, но снимок участников изменился
	m.emitLocked()
	return muted
}

// SwitchCamera переключает камеру локального потока.
// Состояние сессии не затрагивается.
func (m *Machine) SwitchCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.localStream == nil {
		slog.Debug("Machine.SwitchCamera: нет локального потока, игнорируем")
		return nil
	}
	return m.engine.SwitchCamera(m.localStream)
}

// HandleSignalingMessage обрабатывает входящее сигнальное сообщение.
//
// Сообщения с неизвестным или не соответствующим состоянию callId
// отбрасываются молча - это механизм идемпотентности и устойчивости
// к нарушению порядка доставки. Ошибки внутри обработки логируются
// и поглощаются: синхронного вызывающего нет.
func (m *Machine) HandleSignalingMessage(msg signaling.Message) {
	m.mu.Lock()
	switch msg.Type {
	case signaling.SignalCallRequest:
		m.handleCallRequestLocked(msg)
	case signaling.SignalCallAccept:
		m.handleCallAcceptLocked(msg)
	case signaling.SignalCallDecline:
		m.handleCallDeclineLocked(msg)
	case signaling.SignalCallEnd, signaling.SignalCallCancel:
		m.handleCallEndLocked(msg)
	case signaling.SignalOffer, signaling.SignalAnswer, signaling.SignalICECandidate:
		m.handleNegotiationLocked(msg)
	default:
		m.dropLocked(msg, "неизвестный тип сигнала")
	}
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
}

func (m *Machine) handleCallRequestLocked(msg signaling.Message) {
	if m.session != nil {
		if msg.CallID == m.session.ID {
			// Ретрансмит запроса нашей собственной сессии
			return
		}
		// Заняты: немедленный отказ, существующая сессия не меняется
		slog.Debug("Machine: входящий запрос при активной сессии, отвечаем busy",
			slog.String("callID", msg.CallID),
			slog.String("from", msg.From))
		m.queueOtherLocked(signaling.SignalCallDecline, msg.CallID,
			[]string{msg.From}, signaling.DeclinePayload{Reason: signaling.DeclineReasonBusy})
		return
	}

	var payload signaling.CallRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.dropLocked(msg, "некорректная полезная нагрузка call-request")
		return
	}
	callType := media.CallType(payload.CallType)
	if !callType.Valid() {
		m.dropLocked(msg, "неизвестный тип вызова в call-request")
		return
	}

	participants := []Participant{{
		ID:     msg.From,
		Name:   payload.CallerName,
		Avatar: payload.CallerAvatar,
	}}
	for _, id := range payload.Participants {
		if id == m.config.Local.ID || id == msg.From {
			continue
		}
		participants = append(participants, Participant{ID: id})
	}

	sess := &Session{
		ID:           msg.CallID,
		Type:         callType,
		Participants: participants,
		Local:        m.config.Local,
		State:        StateIdle,
		StartTime:    time.Now(),
		IsGroup:      len(participants) > 1,
		OriginatorID: msg.From,
	}

	slog.Debug("Machine: входящий вызов",
		slog.String("callID", sess.ID),
		slog.String("from", msg.From),
		slog.String("type", callType.String()))

	m.fsm = newSessionFSM()
	m.session = sess

	if err := m.transitionLocked(StateRinging); err != nil {
		m.cleanupLocked()
		return
	}

	m.ringer.StartRingtone()
	m.scheduleRingTimeoutLocked(sess.ID)
	m.metrics.SessionCreated()
	m.emitLocked()
}

func (m *Machine) handleCallAcceptLocked(msg signaling.Message) {
	if m.session == nil || m.session.ID != msg.CallID || m.session.State != StateCalling {
		m.dropLocked(msg, "call-accept без подходящей сессии")
		return
	}

	m.ringer.Stop()
	m.cancelTimersLocked()

	if err := m.transitionLocked(StateConnected); err != nil {
		slog.Warn("Machine: переход по call-accept не удался",
			slog.String("callID", msg.CallID),
			slog.String("error", err.Error()))
		return
	}
	m.session.EverConnected = true
	m.emitLocked()
}

func (m *Machine) handleCallDeclineLocked(msg signaling.Message) {
	if m.session == nil || m.session.ID != msg.CallID || m.session.State.IsTerminal() {
		m.dropLocked(msg, "call-decline без подходящей сессии")
		return
	}
	if m.session.State == StateConnected {
		// Отклонить уже состоявшийся вызов нельзя
		m.dropLocked(msg, "call-decline в состоянии connected")
		return
	}

	var payload signaling.DeclinePayload
	if len(msg.Payload) > 0 {
		_ = msg.DecodePayload(&payload)
	}
	m.session.DeclineReason = payload.Reason

	slog.Debug("Machine: вызов отклонен удаленной стороной",
		slog.String("callID", msg.CallID),
		slog.String("reason", payload.Reason))

	if err := m.terminateLocked(StateDeclined); err != nil {
		slog.Warn("Machine: переход по call-decline не удался",
			slog.String("error", err.Error()))
	}
}

func (m *Machine) handleCallEndLocked(msg signaling.Message) {
	if m.session == nil || m.session.ID != msg.CallID {
		m.dropLocked(msg, "call-end без подходящей сессии")
		return
	}

	slog.Debug("Machine: вызов завершен удаленной стороной",
		slog.String("callID", msg.CallID),
		slog.String("type", msg.Type.String()))

	if err := m.terminateLocked(StateEnded); err != nil {
		slog.Warn("Machine: переход по call-end не удался",
			slog.String("error", err.Error()))
	}
}

// handleNegotiationLocked пересылает медиа-переговоры в per-participant
// контекст движка. Сбои не фатальны для вызова: логируются и поглощаются.
func (m *Machine) handleNegotiationLocked(msg signaling.Message) {
	if m.session == nil || m.session.ID != msg.CallID {
		m.dropLocked(msg, "переговорное сообщение без подходящей сессии")
		return
	}

	peer, err := m.peerContextLocked(msg.From)
	if err != nil {
		slog.Warn("Machine: контекст участника недоступен",
			slog.String("callID", msg.CallID),
			slog.String("peer", msg.From),
			slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case signaling.SignalOffer:
		var payload signaling.DescriptionPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.dropLocked(msg, "некорректный offer")
			return
		}
		if err := peer.SetRemoteDescription(payload.Description); err != nil {
			slog.Warn("Machine: SetRemoteDescription(offer) не удался",
				slog.String("peer", msg.From),
				slog.String("error", err.Error()))
			return
		}
		answer, err := peer.CreateAnswer(context.Background())
		if err != nil {
			slog.Warn("Machine: CreateAnswer не удался",
				slog.String("peer", msg.From),
				slog.String("error", err.Error()))
			return
		}
		m.queueLocked(signaling.SignalAnswer, msg.CallID,
			[]string{msg.From}, signaling.DescriptionPayload{Description: answer})

	case signaling.SignalAnswer:
		var payload signaling.DescriptionPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.dropLocked(msg, "некорректный answer")
			return
		}
		if err := peer.SetRemoteDescription(payload.Description); err != nil {
			slog.Warn("Machine: SetRemoteDescription(answer) не удался",
				slog.String("peer", msg.From),
				slog.String("error", err.Error()))
		}

	case signaling.SignalICECandidate:
		var payload signaling.CandidatePayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.dropLocked(msg, "некорректный ice-candidate")
			return
		}
		if err := peer.AddICECandidate(payload.Candidate); err != nil {
			slog.Warn("Machine: AddICECandidate не удался",
				slog.String("peer", msg.From),
				slog.String("error", err.Error()))
		}
	}
}

// peerContextLocked лениво создает контекст переговоров участника
func (m *Machine) peerContextLocked(peerID string) (media.PeerContext, error) {
	if peer, ok := m.peers[peerID]; ok {
		return peer, nil
	}
	if m.localStream == nil {
		return nil, NewCallError(CodeMediaAcquire, "локальный поток еще не захвачен", ErrorCategoryMedia)
	}
	peer, err := m.engine.NewPeerContext(peerID, m.localStream)
	if err != nil {
		return nil, err
	}
	m.peers[peerID] = peer
	return peer, nil
}

// transitionLocked выполняет переход FSM и ведет бухгалтерию сессии.
// EndTime и Duration выставляются ровно один раз, на терминальном
// переходе.
func (m *Machine) transitionLocked(next State) error {
	sess := m.session
	current := State(m.fsm.Current())

	if err := m.fsm.Event(context.Background(), formEventName(current, next)); err != nil {
		m.metrics.ErrorOccurred(ErrorCategoryState)
		return NewStateError("invalid_transition", "невалидный переход "+current.String()+" -> "+next.String()).
			WithCallID(sess.ID).WithState(current).WithCause(err)
	}

	sess.State = next
	if next.IsTerminal() && sess.EndTime.IsZero() {
		sess.EndTime = time.Now()
		sess.Duration = sess.EndTime.Sub(sess.StartTime)
	}

	slog.Debug("Machine: переход состояния",
		slog.String("callID", sess.ID),
		slog.String("from", current.String()),
		slog.String("to", next.String()))
	return nil
}

// terminateLocked терминальный переход: ставит в очередь событие с
// финальным снимком, учитывает метрики и освобождает ресурсы
func (m *Machine) terminateLocked(next State) error {
	sess := m.session

	if err := m.transitionLocked(next); err != nil {
		return err
	}
	m.emitLocked()
	m.metrics.SessionTerminated(sess.OriginatorID == m.config.Local.ID, next, sess.Duration)
	m.cleanupLocked()
	return nil
}

// emitLocked ставит снимок текущей сессии в очередь уведомлений
func (m *Machine) emitLocked() {
	if m.session == nil {
		return
	}
	m.pending = append(m.pending, Event{
		State:   m.session.State,
		Session: m.session.snapshot(),
	})
}

// queueLocked ставит сообщение активной сессии в outbox
func (m *Machine) queueLocked(t signaling.SignalType, callID string, to []string, payload interface{}) {
	m.queueOtherLocked(t, callID, to, payload)
}

// queueOtherLocked ставит в outbox сообщение с произвольным callID
// (используется и для отказа busy чужому вызову)
func (m *Machine) queueOtherLocked(t signaling.SignalType, callID string, to []string, payload interface{}) {
	msg, err := signaling.NewMessage(t, callID, m.config.Local.ID, to, payload)
	if err != nil {
		slog.Warn("Machine: не удалось построить сообщение",
			slog.String("type", t.String()),
			slog.String("error", err.Error()))
		return
	}
	m.outbox = append(m.outbox, msg)
}

// takePendingLocked забирает накопленные события и исходящие сообщения
func (m *Machine) takePendingLocked() ([]Event, []signaling.Message) {
	events := m.pending
	out := m.outbox
	m.pending = nil
	m.outbox = nil
	return events, out
}

// flush обрабатывает накопленное вне критической секции: сначала
// уведомляет подписчиков в порядке возникновения событий, затем
// отправляет сигналы best-effort - сбой транспорта логируется,
// локальный переход уже завершен
func (m *Machine) flush(ctx context.Context, events []Event, out []signaling.Message) {
	for _, ev := range events {
		m.subscribers.Notify(ev)
	}
	for _, msg := range out {
		if err := m.transport.Send(ctx, msg); err != nil {
			slog.Warn("Machine: отправка сигнала не удалась, продолжаем локально",
				slog.String("type", msg.Type.String()),
				slog.String("callID", msg.CallID),
				slog.String("error", err.Error()))
			m.metrics.ErrorOccurred(ErrorCategoryTransport)
		}
	}
}

func (m *Machine) dropLocked(msg signaling.Message, reason string) {
	slog.Debug("Machine: сигнал отброшен",
		slog.String("type", msg.Type.String()),
		slog.String("callID", msg.CallID),
		slog.String("reason", reason))
	m.metrics.SignalDropped(msg.Type.String())
}

// cleanupLocked освобождает все ресурсы сессии.
// Идемпотентен и никогда не пропускает панику за свою границу:
// живучесть важнее, чем доведение сбоя очистки до кого-либо.
func (m *Machine) cleanupLocked() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Machine: паника при очистке подавлена",
				slog.Any("panic", r))
		}
	}()

	m.ringer.Stop()
	m.cancelTimersLocked()

	for peerID, peer := range m.peers {
		if err := peer.Close(); err != nil {
			slog.Warn("Machine: закрытие контекста участника не удалось",
				slog.String("peer", peerID),
				slog.String("error", err.Error()))
		}
	}
	m.peers = make(map[string]media.PeerContext)

	if m.localStream != nil {
		m.engine.ReleaseStream(m.localStream)
		m.localStream = nil
	}

	if m.session != nil {
		m.session.Local.StreamID = ""
		m.session = nil
	}
	m.fsm = nil
}
