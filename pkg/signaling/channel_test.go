package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelTransport_Delivery(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")
	receiver := hub.NewTransport("u2")
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	var received []Message
	receiver.Subscribe(func(msg Message) {
		received = append(received, msg)
	})

	msg, err := NewMessage(SignalCallRequest, "c1", "u1", []string{"u2"}, CallRequestPayload{CallType: "audio"})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), msg))

	// Доставка синхронная
	require.Len(t, received, 1)
	assert.Equal(t, SignalCallRequest, received[0].Type)
	assert.Equal(t, "u1", received[0].From)
}

func TestChannelTransport_SendRequiresConnection(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")

	msg, err := NewMessage(SignalCallEnd, "c1", "u1", []string{"u2"}, nil)
	require.NoError(t, err)

	err = sender.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeNotConnected))
}

func TestChannelTransport_UnknownPeerDoesNotBlockOthers(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")
	receiver := hub.NewTransport("u2")
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	var received []Message
	receiver.Subscribe(func(msg Message) {
		received = append(received, msg)
	})

	// Один из получателей не зарегистрирован: ошибка есть, но
	// остальные сообщение получают
	msg, err := NewMessage(SignalCallEnd, "c1", "u1", []string{"ghost", "u2"}, nil)
	require.NoError(t, err)

	err = sender.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeUnknownPeer))
	assert.Len(t, received, 1)
}

func TestChannelTransport_Unsubscribe(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")
	receiver := hub.NewTransport("u2")
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	count := 0
	id := receiver.Subscribe(func(Message) { count++ })

	msg, err := NewMessage(SignalCallEnd, "c1", "u1", []string{"u2"}, nil)
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), msg))
	require.Equal(t, 1, count)

	receiver.Unsubscribe(id)
	// Повторная отписка - no-op
	receiver.Unsubscribe(id)

	require.NoError(t, sender.Send(context.Background(), msg))
	assert.Equal(t, 1, count)
}

func TestChannelTransport_Close(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")
	receiver := hub.NewTransport("u2")
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))
	assert.True(t, receiver.Connected())

	require.NoError(t, receiver.Close())
	assert.False(t, receiver.Connected())

	// Закрытый транспорт перестает получать сообщения
	msg, err := NewMessage(SignalCallEnd, "c1", "u1", []string{"u2"}, nil)
	require.NoError(t, err)
	err = sender.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeUnknownPeer))

	// Повторное закрытие - no-op
	require.NoError(t, receiver.Close())
}

func TestChannelTransport_SubscriberOrder(t *testing.T) {
	hub := NewChannelHub()
	sender := hub.NewTransport("u1")
	receiver := hub.NewTransport("u2")
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	var order []string
	receiver.Subscribe(func(Message) { order = append(order, "first") })
	receiver.Subscribe(func(Message) { order = append(order, "second") })
	receiver.Subscribe(func(Message) { order = append(order, "third") })

	msg, err := NewMessage(SignalCallEnd, "c1", "u1", []string{"u2"}, nil)
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), msg))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}
