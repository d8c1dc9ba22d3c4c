package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/video_phone/internal/registry"
)

// WebSocketConfig конфигурация websocket транспорта
type WebSocketConfig struct {
	// URL сигнального сервера (ws:// или wss://)
	URL string

	// LocalID идентичность, регистрируемая на сервере для входящих вызовов
	LocalID string

	// HandshakeTimeout таймаут установления соединения
	HandshakeTimeout time.Duration

	// WriteTimeout таймаут записи одного сообщения
	WriteTimeout time.Duration
}

// DefaultWebSocketConfig возвращает конфигурацию по умолчанию
func DefaultWebSocketConfig(url, localID string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		LocalID:          localID,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// registerFrame первое сообщение после установления соединения:
// сервер связывает соединение с локальной идентичностью
type registerFrame struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// WebSocketTransport продакшн реализация Transport поверх gorilla/websocket.
//
// После Connect транспорт держит одну горутину чтения (read pump),
// раздающую входящие сообщения подписчикам. Запись сериализована мьютексом,
// так как websocket.Conn не допускает конкурентных писателей.
type WebSocketTransport struct {
	config      WebSocketConfig
	subscribers *registry.Registry[Message]

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketTransport создает транспорт без установления соединения
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config:      config,
		subscribers: registry.New[Message](),
	}
}

// Connect устанавливает соединение и регистрирует локальную идентичность
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newTransportError(ErrorCodeClosed, t.config.LocalID, "transport closed")
	}
	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.config.URL, nil)
	if err != nil {
		return WrapTransportError(ErrorCodeDialFailed, t.config.LocalID,
			"failed to dial "+t.config.URL, err)
	}

	frame := registerFrame{Type: "register", PeerID: t.config.LocalID}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return WrapTransportError(ErrorCodeDialFailed, t.config.LocalID,
			"failed to register identity", err)
	}

	t.conn = conn
	go t.readPump(conn)

	slog.Debug("WebSocketTransport.Connect established",
		slog.String("url", t.config.URL),
		slog.String("localID", t.config.LocalID))
	return nil
}

// readPump читает входящие сообщения до разрыва соединения
func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				slog.Warn("WebSocketTransport.readPump unexpected close",
					slog.String("localID", t.config.LocalID),
					slog.String("error", err.Error()))
			}
			break
		}

		if err := msg.Validate(); err != nil {
			// Некорректные кадры отбрасываем, не разрывая соединение
			slog.Debug("WebSocketTransport.readPump dropping invalid frame",
				slog.String("localID", t.config.LocalID),
				slog.String("error", err.Error()))
			continue
		}

		t.subscribers.Notify(msg)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
}

// Send отправляет сообщение через соединение
func (t *WebSocketTransport) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return newTransportError(ErrorCodeNotConnected, t.config.LocalID, "transport not connected")
	}

	if t.config.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := t.conn.WriteJSON(msg); err != nil {
		return WrapTransportError(ErrorCodeSendFailed, t.config.LocalID,
			"failed to write "+msg.Type.String(), err)
	}
	return nil
}

// Subscribe регистрирует обработчик входящих сообщений
func (t *WebSocketTransport) Subscribe(h Handler) string {
	return t.subscribers.Add(h)
}

// Unsubscribe удаляет подписку
func (t *WebSocketTransport) Unsubscribe(id string) {
	t.subscribers.Remove(id)
}

// Connected сообщает, установлено ли соединение
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// LocalID возвращает зарегистрированную локальную идентичность
func (t *WebSocketTransport) LocalID() string {
	return t.config.LocalID
}

// Close разрывает соединение. Повторный вызов - no-op.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

var _ Transport = (*WebSocketTransport)(nil)
