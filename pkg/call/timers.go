package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/video_phone/pkg/signaling"
)

// Таймауты ожидания ответа по умолчанию
const (
	// DefaultRingTimeout - неотвеченный входящий вызов отклоняется
	// автоматически с причиной timeout
	DefaultRingTimeout = 45 * time.Second

	// DefaultDialTimeout - неотвеченный исходящий вызов отменяется
	// отправкой call-cancel
	DefaultDialTimeout = 60 * time.Second
)

// scheduleRingTimeoutLocked взводит таймер автоотклонения входящего
// вызова. Колбек встает на общую временную шкалу автомата и сверяет
// идентификатор сессии: опоздавший таймер чужой сессии - no-op.
func (m *Machine) scheduleRingTimeoutLocked(callID string) {
	m.ringTimer = time.AfterFunc(m.config.RingTimeout, func() {
		m.onRingTimeout(callID)
	})
}

func (m *Machine) onRingTimeout(callID string) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != callID || m.session.State != StateRinging {
		m.mu.Unlock()
		return
	}
	sess := m.session

	slog.Debug("Machine: входящий вызов не принят вовремя, автоотклонение",
		slog.String("callID", callID))

	m.queueLocked(signaling.SignalCallDecline, sess.ID,
		[]string{sess.OriginatorID}, signaling.DeclinePayload{Reason: signaling.DeclineReasonTimeout})

	// Автоотклонение - не действие пользователя: DeclinedLocally не
	// выставляется, в журнале вызов останется пропущенным
	sess.DeclineReason = signaling.DeclineReasonTimeout
	if err := m.terminateLocked(StateDeclined); err != nil {
		slog.Warn("Machine: автоотклонение не удалось",
			slog.String("callID", callID),
			slog.String("error", err.Error()))
	}
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
}

// scheduleDialTimeoutLocked взводит таймер отмены исходящего вызова
func (m *Machine) scheduleDialTimeoutLocked(callID string) {
	m.dialTimer = time.AfterFunc(m.config.DialTimeout, func() {
		m.onDialTimeout(callID)
	})
}

func (m *Machine) onDialTimeout(callID string) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != callID || m.session.State != StateCalling {
		m.mu.Unlock()
		return
	}
	sess := m.session

	slog.Debug("Machine: исходящий вызов без ответа, отмена",
		slog.String("callID", callID))

	m.queueLocked(signaling.SignalCallCancel, sess.ID, sess.participantIDs(), nil)

	if err := m.terminateLocked(StateEnded); err != nil {
		slog.Warn("Machine: отмена исходящего вызова не удалась",
			slog.String("callID", callID),
			slog.String("error", err.Error()))
	}
	events, out := m.takePendingLocked()
	m.mu.Unlock()

	m.flush(context.Background(), events, out)
}

// cancelTimersLocked останавливает взведенные таймеры ожидания
func (m *Machine) cancelTimersLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}
}
