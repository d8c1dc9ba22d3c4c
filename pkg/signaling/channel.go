package signaling

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/video_phone/internal/registry"
)

// ChannelHub соединяет in-memory транспорты по идентификатору стороны.
// Используется в тестах и для локальных пар endpoint'ов: доставка
// синхронная, что делает сценарии детерминированными.
type ChannelHub struct {
	mu    sync.RWMutex
	peers map[string]*ChannelTransport
}

// NewChannelHub создает пустой хаб
func NewChannelHub() *ChannelHub {
	return &ChannelHub{
		peers: make(map[string]*ChannelTransport),
	}
}

// NewTransport создает транспорт для указанной стороны.
// Транспорт регистрируется в хабе при Connect.
func (h *ChannelHub) NewTransport(localID string) *ChannelTransport {
	return &ChannelTransport{
		hub:         h,
		localID:     localID,
		subscribers: registry.New[Message](),
	}
}

func (h *ChannelHub) register(t *ChannelTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[t.localID] = t
}

func (h *ChannelHub) unregister(localID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, localID)
}

func (h *ChannelHub) lookup(peerID string) (*ChannelTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.peers[peerID]
	return t, ok
}

// ChannelTransport in-memory реализация Transport.
// Send доставляет сообщение обработчикам получателя синхронно,
// в вызывающей горутине.
type ChannelTransport struct {
	hub         *ChannelHub
	localID     string
	subscribers *registry.Registry[Message]

	mu        sync.Mutex
	connected bool
}

// Connect регистрирует транспорт в хабе
func (t *ChannelTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	t.hub.register(t)
	t.connected = true
	return nil
}

// Send доставляет сообщение каждому получателю из msg.To.
// Незарегистрированный получатель дает ошибку, но не прерывает
// доставку остальным.
func (t *ChannelTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return newTransportError(ErrorCodeNotConnected, t.localID, "transport not connected")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var firstErr error
	for _, peerID := range msg.To {
		peer, ok := t.hub.lookup(peerID)
		if !ok {
			slog.Debug("ChannelTransport.Send: unknown peer",
				slog.String("localID", t.localID),
				slog.String("peerID", peerID))
			if firstErr == nil {
				firstErr = newTransportError(ErrorCodeUnknownPeer, t.localID, "peer not registered: "+peerID)
			}
			continue
		}
		peer.subscribers.Notify(msg)
	}
	return firstErr
}

// Subscribe регистрирует обработчик входящих сообщений
func (t *ChannelTransport) Subscribe(h Handler) string {
	return t.subscribers.Add(h)
}

// Unsubscribe удаляет подписку
func (t *ChannelTransport) Unsubscribe(id string) {
	t.subscribers.Remove(id)
}

// Connected сообщает, зарегистрирован ли транспорт в хабе
func (t *ChannelTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LocalID возвращает идентификатор локальной стороны
func (t *ChannelTransport) LocalID() string {
	return t.localID
}

// Close снимает регистрацию в хабе
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.hub.unregister(t.localID)
	t.connected = false
	return nil
}

var _ Transport = (*ChannelTransport)(nil)
