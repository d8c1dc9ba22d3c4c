package call

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/arzzra/video_phone/internal/registry"
	"github.com/arzzra/video_phone/pkg/history"
	"github.com/arzzra/video_phone/pkg/media"
	"github.com/arzzra/video_phone/pkg/signaling"
)

// IncomingCall представление входящего вызова для слоя UI
type IncomingCall struct {
	CallID       string
	CallType     media.CallType
	CallerID     string
	CallerName   string
	CallerAvatar string
	IsGroup      bool
	Participants []Participant
}

// CoordinatorConfig конфигурация координатора
type CoordinatorConfig struct {
	// Machine конфигурация вложенного автомата
	Machine MachineConfig

	// Retry параметры повторных попыток подключения транспорта
	Retry RetryConfig
}

// DefaultCoordinatorConfig возвращает конфигурацию по умолчанию
// для указанной локальной стороны
func DefaultCoordinatorConfig(local Participant) CoordinatorConfig {
	return CoordinatorConfig{
		Machine: MachineConfig{Local: local},
		Retry:   DefaultRetryConfig(),
	}
}

// Coordinator оборачивает Machine: владеет жизненным циклом транспорта,
// превращает терминальные переходы в записи журнала и раздает
// уведомления слою UI.
//
// Запись журнала создается ровно один раз на сессию: терминальные
// события дедуплицируются по идентификатору сессии.
type Coordinator struct {
	config    CoordinatorConfig
	machine   *Machine
	transport signaling.Transport
	store     history.Store

	incoming *registry.Registry[IncomingCall]
	ended    *registry.Registry[history.Record]

	mu       sync.Mutex
	recorded map[string]bool
	eventsID string
}

// NewCoordinator создает координатор поверх транспорта, медиа-движка
// и хранилища журнала. Незаполненные параметры повторных попыток
// получают значения по умолчанию.
func NewCoordinator(config CoordinatorConfig, transport signaling.Transport, engine media.Engine, store history.Store) *Coordinator {
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryConfig()
	}

	c := &Coordinator{
		config:    config,
		transport: transport,
		store:     store,
		incoming:  registry.New[IncomingCall](),
		ended:     registry.New[history.Record](),
		recorded:  make(map[string]bool),
	}
	c.machine = NewMachine(config.Machine, transport, engine)
	c.eventsID = c.machine.Subscribe(c.onMachineEvent)
	return c
}

// Connect устанавливает соединение транспорта с повторными попытками
func (c *Coordinator) Connect(ctx context.Context) error {
	return withRetry(ctx, c.config.Retry, "transport connect", func() error {
		return c.transport.Connect(ctx)
	})
}

// Close отписывается от автомата, освобождает его ресурсы и закрывает
// транспорт
func (c *Coordinator) Close() error {
	c.machine.Unsubscribe(c.eventsID)
	c.machine.Close()
	return c.transport.Close()
}

// StartCall начинает исходящий вызов.
// Требует установленного соединения транспорта; журнал при этом не
// пишется - запись появится только на терминальном переходе.
func (c *Coordinator) StartCall(ctx context.Context, participantIDs []string, callType media.CallType) (Session, error) {
	if !c.transport.Connected() {
		return Session{}, NewCallError(CodeNotConnected, "сигнальный транспорт не подключен", ErrorCategoryTransport)
	}
	return c.machine.StartCall(ctx, participantIDs, callType)
}

// AnswerCall принимает входящий вызов
func (c *Coordinator) AnswerCall(ctx context.Context, callID string) error {
	return c.machine.AnswerCall(ctx, callID)
}

// DeclineCall отклоняет входящий вызов
func (c *Coordinator) DeclineCall(callID string) error {
	return c.machine.DeclineCall(callID)
}

// EndCall завершает активный вызов
func (c *Coordinator) EndCall() error {
	return c.machine.EndCall()
}

// ForceCleanup безусловно освобождает ресурсы зависшей сессии
func (c *Coordinator) ForceCleanup() {
	c.machine.ForceCleanup()
}

// ToggleAudioMute переключает mute аудио-трека
func (c *Coordinator) ToggleAudioMute() bool {
	return c.machine.ToggleAudioMute()
}

// ToggleVideoMute переключает mute видео-трека
func (c *Coordinator) ToggleVideoMute() bool {
	return c.machine.ToggleVideoMute()
}

// SwitchCamera переключает камеру локального потока
func (c *Coordinator) SwitchCamera() error {
	return c.machine.SwitchCamera()
}

// IsInCall проверяет, есть ли живая сессия
func (c *Coordinator) IsInCall() bool {
	return c.machine.IsInCall()
}

// GetCurrentCall возвращает снимок активной сессии
func (c *Coordinator) GetCurrentCall() (Session, bool) {
	return c.machine.CurrentSession()
}

// GetCallHistory возвращает журнал, отсортированный по времени
// по убыванию
func (c *Coordinator) GetCallHistory() ([]history.Record, error) {
	records, err := c.store.LoadAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// OnIncomingCall регистрирует обработчик входящих вызовов.
// Возвращенная функция отписывает ровно этот обработчик и идемпотентна.
func (c *Coordinator) OnIncomingCall(fn func(IncomingCall)) func() {
	id := c.incoming.Add(fn)
	return func() { c.incoming.Remove(id) }
}

// OnCallEnded регистрирует обработчик завершения вызовов
func (c *Coordinator) OnCallEnded(fn func(history.Record)) func() {
	id := c.ended.Add(fn)
	return func() { c.ended.Remove(id) }
}

// onMachineEvent наблюдает события автомата: ringing без локального
// инициатора превращается в уведомление о входящем вызове, терминальные
// переходы - в записи журнала.
func (c *Coordinator) onMachineEvent(ev Event) {
	switch {
	case ev.State == StateRinging && ev.Session.OriginatorID != c.config.Machine.Local.ID:
		c.notifyIncoming(ev.Session)
	case ev.State.IsTerminal():
		c.recordTerminal(ev.Session)
	}
}

func (c *Coordinator) notifyIncoming(sess Session) {
	view := IncomingCall{
		CallID:       sess.ID,
		CallType:     sess.Type,
		CallerID:     sess.OriginatorID,
		IsGroup:      sess.IsGroup,
		Participants: sess.Participants,
	}
	if len(sess.Participants) > 0 {
		view.CallerName = sess.Participants[0].Name
		view.CallerAvatar = sess.Participants[0].Avatar
	}
	c.incoming.Notify(view)
}

func (c *Coordinator) recordTerminal(sess Session) {
	c.mu.Lock()
	if c.recorded[sess.ID] {
		c.mu.Unlock()
		return
	}
	c.recorded[sess.ID] = true
	c.mu.Unlock()

	rec := c.buildRecord(sess)
	if err := c.store.Append(rec); err != nil {
		// Журнал не должен ронять завершение вызова
		slog.Warn("Coordinator: запись журнала не удалась",
			slog.String("callID", sess.ID),
			slog.String("error", err.Error()))
	}
	c.ended.Notify(rec)
}

// buildRecord строит запись журнала из финального снимка сессии
func (c *Coordinator) buildRecord(sess Session) history.Record {
	participants := make([]history.Participant, len(sess.Participants))
	for i, p := range sess.Participants {
		participants[i] = history.Participant{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
	}

	rec := history.Record{
		ID:           sess.ID,
		Direction:    c.classify(sess),
		CallType:     sess.Type.String(),
		Timestamp:    sess.StartTime,
		Participants: participants,
		IsGroup:      sess.IsGroup,
	}
	if sess.EverConnected {
		rec.Duration = sess.Duration
	}
	if len(sess.Participants) > 0 {
		primary := sess.Participants[0]
		rec.ContactID = primary.ID
		rec.ContactName = primary.Name
		rec.ContactAvatar = primary.Avatar
	}
	return rec
}

// classify определяет направление записи журнала.
//
// Вызов, который локальный пользователь отклонил сам, - входящий, а не
// пропущенный: он дошел до пользователя и получил решение. Автоотклонение
// по таймауту действием пользователя не является и остается пропущенным.
func (c *Coordinator) classify(sess Session) history.Direction {
	localID := c.config.Machine.Local.ID

	switch {
	case sess.DeclinedLocally:
		return history.DirectionIncoming
	case sess.State == StateDeclined:
		// Отклонено удаленной стороной (в том числе busy) либо по таймауту
		return history.DirectionMissed
	case !sess.EverConnected && sess.OriginatorID != localID:
		// Входящий, завершившийся до ответа
		return history.DirectionMissed
	case sess.OriginatorID == localID:
		return history.DirectionOutgoing
	default:
		return history.DirectionIncoming
	}
}
