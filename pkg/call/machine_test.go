package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/video_phone/pkg/media"
	"github.com/arzzra/video_phone/pkg/signaling"
)

// eventRecorder собирает события автомата для проверок.
// Потокобезопасен: колбеки таймеров приходят из другой горутины.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func (r *eventRecorder) last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testEndpoint struct {
	machine   *Machine
	engine    *media.MemoryEngine
	transport *signaling.ChannelTransport
	events    *eventRecorder
}

// newTestEndpoint создает автомат поверх общего хаба
func newTestEndpoint(t *testing.T, hub *signaling.ChannelHub, localID string, config MachineConfig) *testEndpoint {
	t.Helper()

	transport := hub.NewTransport(localID)
	require.NoError(t, transport.Connect(context.Background()))

	engine := media.NewMemoryEngine()
	config.Local.ID = localID
	m := NewMachine(config, transport, engine)
	t.Cleanup(m.Close)

	events := &eventRecorder{}
	m.Subscribe(events.handle)

	return &testEndpoint{machine: m, engine: engine, transport: transport, events: events}
}

func TestMachine_OutgoingCallRoundTrip(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	sess, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, sess.State)
	assert.Equal(t, "u1", sess.OriginatorID)
	assert.False(t, sess.IsGroup)

	// Вызываемая сторона перешла в ringing с тем же идентификатором
	require.Equal(t, StateRinging, callee.machine.State())
	inbound, ok := callee.machine.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, sess.ID, inbound.ID)
	assert.Equal(t, media.CallTypeVideo, inbound.Type)
	assert.Equal(t, "u1", inbound.OriginatorID)

	require.NoError(t, callee.machine.AnswerCall(context.Background(), inbound.ID))

	// Обе стороны в connected
	assert.Equal(t, StateConnected, caller.machine.State())
	assert.Equal(t, StateConnected, callee.machine.State())

	require.NoError(t, caller.machine.EndCall())

	// Сессий не осталось, ресурсы освобождены
	assert.False(t, caller.machine.IsInCall())
	assert.False(t, callee.machine.IsInCall())
	assert.Len(t, caller.engine.ReleasedStreams(), 1)
	assert.Len(t, callee.engine.ReleasedStreams(), 1)

	assert.Equal(t, []State{StateCalling, StateConnected, StateEnded}, caller.events.states())
	assert.Equal(t, []State{StateRinging, StateConnecting, StateConnected, StateEnded}, callee.events.states())

	final, ok := caller.events.last()
	require.True(t, ok)
	assert.True(t, final.Session.EverConnected)
	assert.False(t, final.Session.EndTime.IsZero())
	assert.Equal(t, final.Session.EndTime.Sub(final.Session.StartTime), final.Session.Duration)
}

func TestMachine_SingleActiveSession(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	newTestEndpoint(t, hub, "u2", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)

	// Вторая сессия не создается ни в calling, ни в connected
	_, err = caller.machine.StartCall(context.Background(), []string{"u3"}, media.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.True(t, HasErrorCode(err, CodeAlreadyInCall))
}

func TestMachine_StartCallValidation(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), nil, media.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, CodeNoParticipants))

	_, err = caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallType("screencast"))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, CodeInvalidCallType))

	assert.False(t, caller.machine.IsInCall())
}

func TestMachine_BusyDecline(t *testing.T) {
	hub := signaling.NewChannelHub()
	first := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})
	second := newTestEndpoint(t, hub, "u3", MachineConfig{})

	_, err := first.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	existing, _ := callee.machine.CurrentSession()
	require.NoError(t, callee.machine.AnswerCall(context.Background(), existing.ID))
	require.Equal(t, StateConnected, callee.machine.State())

	// Второй вызов к занятой стороне получает немедленный отказ busy
	_, err = second.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)

	assert.False(t, second.machine.IsInCall())
	final, ok := second.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, final.State)
	assert.Equal(t, signaling.DeclineReasonBusy, final.Session.DeclineReason)

	// Существующая сессия не затронута
	require.Equal(t, StateConnected, callee.machine.State())
	current, _ := callee.machine.CurrentSession()
	assert.Equal(t, existing.ID, current.ID)
}

func TestMachine_EndCallIdempotent(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()
	require.NoError(t, callee.machine.AnswerCall(context.Background(), inbound.ID))

	endsSent := 0
	callee.transport.Subscribe(func(msg signaling.Message) {
		if msg.Type == signaling.SignalCallEnd {
			endsSent++
		}
	})

	require.NoError(t, caller.machine.EndCall())
	terminalEvents := caller.events.count()

	// Повторное завершение - no-op: без ошибки, без новых событий
	// и без повторной отправки call-end
	require.NoError(t, caller.machine.EndCall())
	assert.Equal(t, terminalEvents, caller.events.count())
	assert.Equal(t, 1, endsSent)
	assert.False(t, caller.machine.IsInCall())
}

func TestMachine_DeclineCall(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	// Отклонение несуществующего вызова - no-op
	require.NoError(t, callee.machine.DeclineCall("no-such-call"))

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()

	declinesSent := 0
	caller.transport.Subscribe(func(msg signaling.Message) {
		if msg.Type == signaling.SignalCallDecline {
			declinesSent++
		}
	})

	require.NoError(t, callee.machine.DeclineCall(inbound.ID))
	// Повторное отклонение - no-op без повторной отправки
	require.NoError(t, callee.machine.DeclineCall(inbound.ID))
	assert.Equal(t, 1, declinesSent)

	assert.False(t, callee.machine.IsInCall())
	final, ok := callee.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, final.State)
	assert.True(t, final.Session.DeclinedLocally)

	// Вызывающая сторона тоже перешла в declined
	assert.False(t, caller.machine.IsInCall())
	callerFinal, ok := caller.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, callerFinal.State)
	assert.False(t, callerFinal.Session.DeclinedLocally)
}

func TestMachine_OutOfOrderSignals(t *testing.T) {
	hub := signaling.NewChannelHub()
	endpoint := newTestEndpoint(t, hub, "u1", MachineConfig{})

	// Сигналы неизвестной сессии отбрасываются молча, автомат остается в idle
	accept, err := signaling.NewMessage(signaling.SignalCallAccept, "stale-1", "u9", []string{"u1"}, nil)
	require.NoError(t, err)
	endpoint.machine.HandleSignalingMessage(accept)

	end, err := signaling.NewMessage(signaling.SignalCallEnd, "stale-2", "u9", []string{"u1"}, nil)
	require.NoError(t, err)
	endpoint.machine.HandleSignalingMessage(end)

	decline, err := signaling.NewMessage(signaling.SignalCallDecline, "stale-3", "u9", []string{"u1"}, nil)
	require.NoError(t, err)
	endpoint.machine.HandleSignalingMessage(decline)

	assert.Equal(t, StateIdle, endpoint.machine.State())
	assert.Zero(t, endpoint.events.count())
}

func TestMachine_MediaAcquireFailure(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	newTestEndpoint(t, hub, "u2", MachineConfig{})

	caller.engine.FailAcquire = assert.AnError

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, IsMediaError(err))
	assert.True(t, HasErrorCode(err, CodeMediaAcquire))

	// Сбой не оставляет сессии, автомат пригоден для нового вызова
	assert.False(t, caller.machine.IsInCall())
	caller.engine.FailAcquire = nil
	_, err = caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
}

func TestMachine_AnswerMediaFailureCleansUp(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()

	callee.engine.FailAcquire = assert.AnError
	err = callee.machine.AnswerCall(context.Background(), inbound.ID)
	require.Error(t, err)
	assert.True(t, IsMediaError(err))
	assert.False(t, callee.machine.IsInCall())

	// Сессия завершилась терминально, а не растворилась без следа
	final, ok := callee.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, final.State)
	assert.False(t, final.Session.DeclinedLocally)

	// Инициатор получил decline и не ждет таймаута
	assert.False(t, caller.machine.IsInCall())
	callerFinal, ok := caller.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, callerFinal.State)
}

func TestMachine_AnswerWithoutRingingSession(t *testing.T) {
	hub := signaling.NewChannelHub()
	endpoint := newTestEndpoint(t, hub, "u1", MachineConfig{})

	err := endpoint.machine.AnswerCall(context.Background(), "no-such-call")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, CodeNoRingingSession))
}

func TestMachine_MuteToggles(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	// Без активного вызова переключение - no-op
	assert.False(t, caller.machine.ToggleAudioMute())

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeVideo)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()
	require.NoError(t, callee.machine.AnswerCall(context.Background(), inbound.ID))

	// Двойное переключение возвращает исходное состояние
	assert.True(t, caller.machine.ToggleAudioMute())
	sess, _ := caller.machine.CurrentSession()
	assert.True(t, sess.Local.IsAudioMuted)

	assert.False(t, caller.machine.ToggleAudioMute())
	sess, _ = caller.machine.CurrentSession()
	assert.False(t, sess.Local.IsAudioMuted)

	assert.True(t, caller.machine.ToggleVideoMute())
	assert.False(t, caller.machine.ToggleVideoMute())

	// Состояние автомата переключениями не затронуто
	assert.Equal(t, StateConnected, caller.machine.State())
}

func TestMachine_SwitchCamera(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	newTestEndpoint(t, hub, "u2", MachineConfig{})

	// Без локального потока - no-op
	require.NoError(t, caller.machine.SwitchCamera())

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, caller.machine.SwitchCamera())
	assert.Equal(t, StateCalling, caller.machine.State())
}

func TestMachine_RingTimeout(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{RingTimeout: 30 * time.Millisecond})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	require.Equal(t, StateRinging, callee.machine.State())

	require.Eventually(t, func() bool {
		return !callee.machine.IsInCall()
	}, time.Second, 10*time.Millisecond)

	// Автоотклонение - не действие пользователя
	final, ok := callee.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, final.State)
	assert.False(t, final.Session.DeclinedLocally)
	assert.Equal(t, signaling.DeclineReasonTimeout, final.Session.DeclineReason)

	// Вызывающая сторона получила decline с причиной timeout
	require.Eventually(t, func() bool {
		return !caller.machine.IsInCall()
	}, time.Second, 10*time.Millisecond)
	callerFinal, ok := caller.events.last()
	require.True(t, ok)
	assert.Equal(t, StateDeclined, callerFinal.State)
	assert.Equal(t, signaling.DeclineReasonTimeout, callerFinal.Session.DeclineReason)
}

func TestMachine_DialTimeout(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{DialTimeout: 30 * time.Millisecond})

	// Получатель не зарегистрирован: отправка не удается, но локальный
	// переход в calling уже состоялся
	_, err := caller.machine.StartCall(context.Background(), []string{"ghost"}, media.CallTypeAudio)
	require.NoError(t, err)
	require.Equal(t, StateCalling, caller.machine.State())

	require.Eventually(t, func() bool {
		return !caller.machine.IsInCall()
	}, time.Second, 10*time.Millisecond)

	final, ok := caller.events.last()
	require.True(t, ok)
	assert.Equal(t, StateEnded, final.State)
	assert.False(t, final.Session.EverConnected)
}

func TestMachine_NegotiationForwarding(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()
	require.NoError(t, callee.machine.AnswerCall(context.Background(), inbound.ID))

	// Ловим сигналы, приходящие вызывающей стороне
	var mu sync.Mutex
	var received []signaling.Message
	caller.transport.Subscribe(func(msg signaling.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	offer, err := signaling.NewMessage(signaling.SignalOffer, inbound.ID, "u1", []string{"u2"},
		signaling.DescriptionPayload{Description: webrtcOffer()})
	require.NoError(t, err)
	callee.machine.HandleSignalingMessage(offer)

	// На offer пришел answer с непустым SDP
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, signaling.SignalAnswer, received[0].Type)
	assert.Equal(t, inbound.ID, received[0].CallID)

	var payload signaling.DescriptionPayload
	require.NoError(t, received[0].DecodePayload(&payload))
	assert.NotEmpty(t, payload.Description.SDP)
}

func TestMachine_ForceCleanup(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	callee := newTestEndpoint(t, hub, "u2", MachineConfig{})

	_, err := caller.machine.StartCall(context.Background(), []string{"u2"}, media.CallTypeAudio)
	require.NoError(t, err)
	inbound, _ := callee.machine.CurrentSession()
	require.NoError(t, callee.machine.AnswerCall(context.Background(), inbound.ID))

	eventsBefore := caller.events.count()
	caller.machine.ForceCleanup()

	// Ресурсы освобождены без эмита терминального события
	assert.False(t, caller.machine.IsInCall())
	assert.Equal(t, eventsBefore, caller.events.count())
	assert.Len(t, caller.engine.ReleasedStreams(), 1)

	// Опоздавший сигнал старой сессии отбрасывается молча
	end, err := signaling.NewMessage(signaling.SignalCallEnd, inbound.ID, "u2", []string{"u1"}, nil)
	require.NoError(t, err)
	caller.machine.HandleSignalingMessage(end)
	assert.Equal(t, StateIdle, caller.machine.State())
}

func TestMachine_GroupCall(t *testing.T) {
	hub := signaling.NewChannelHub()
	caller := newTestEndpoint(t, hub, "u1", MachineConfig{})
	second := newTestEndpoint(t, hub, "u2", MachineConfig{})
	third := newTestEndpoint(t, hub, "u3", MachineConfig{})

	sess, err := caller.machine.StartCall(context.Background(), []string{"u2", "u3"}, media.CallTypeVideo)
	require.NoError(t, err)
	assert.True(t, sess.IsGroup)

	// Обе приглашенные стороны звонят и видят полный состав
	require.Equal(t, StateRinging, second.machine.State())
	require.Equal(t, StateRinging, third.machine.State())
	inbound, _ := second.machine.CurrentSession()
	assert.True(t, inbound.IsGroup)
	assert.Len(t, inbound.Participants, 2)

	// Первый принявший переводит вызывающую сторону в connected
	require.NoError(t, second.machine.AnswerCall(context.Background(), inbound.ID))
	assert.Equal(t, StateConnected, caller.machine.State())

	// Завершение уходит всем участникам
	require.NoError(t, caller.machine.EndCall())
	assert.False(t, second.machine.IsInCall())
	assert.False(t, third.machine.IsInCall())
}

// webrtcOffer строит минимальное валидное описание для переговорных тестов
func webrtcOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n",
	}
}
