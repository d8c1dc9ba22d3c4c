package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEngine_AcquireRelease(t *testing.T) {
	engine := NewMemoryEngine()

	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeVideo)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)
	assert.True(t, handle.AudioEnabled)
	assert.True(t, handle.VideoEnabled)
	assert.Equal(t, CameraFront, handle.Facing)

	// Повторный захват возвращает тот же дескриптор
	again, err := engine.AcquireLocalStream(context.Background(), CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, handle.ID, again.ID)

	engine.ReleaseStream(handle)
	assert.Equal(t, []string{handle.ID}, engine.ReleasedStreams())

	// Повторное освобождение - no-op
	engine.ReleaseStream(handle)
	assert.Len(t, engine.ReleasedStreams(), 1)
}

func TestMemoryEngine_AudioOnlyStream(t *testing.T) {
	engine := NewMemoryEngine()

	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeAudio)
	require.NoError(t, err)
	assert.True(t, handle.AudioEnabled)
	assert.False(t, handle.VideoEnabled)

	// У аудио-потока нет видео-трека и камеры
	err = engine.SetTrackEnabled(handle, TrackVideo, false)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeTrackUnknown))

	err = engine.SwitchCamera(handle)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeTrackUnknown))
}

func TestMemoryEngine_AcquireFailure(t *testing.T) {
	engine := NewMemoryEngine()
	engine.FailAcquire = assert.AnError

	_, err := engine.AcquireLocalStream(context.Background(), CallTypeAudio)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeDeviceUnavailable))

	_, err = engine.AcquireLocalStream(context.Background(), CallType("bogus"))
	require.Error(t, err)
}

func TestMemoryEngine_SetTrackEnabled(t *testing.T) {
	engine := NewMemoryEngine()
	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, engine.SetTrackEnabled(handle, TrackAudio, false))
	assert.False(t, handle.AudioEnabled)
	require.NoError(t, engine.SetTrackEnabled(handle, TrackAudio, true))
	assert.True(t, handle.AudioEnabled)

	require.NoError(t, engine.SetTrackEnabled(handle, TrackVideo, false))
	assert.False(t, handle.VideoEnabled)

	// Освобожденный поток управлению не поддается
	engine.ReleaseStream(handle)
	err = engine.SetTrackEnabled(handle, TrackAudio, true)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeStreamReleased))
}

func TestMemoryEngine_SwitchCamera(t *testing.T) {
	engine := NewMemoryEngine()
	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, engine.SwitchCamera(handle))
	assert.Equal(t, CameraBack, handle.Facing)
	require.NoError(t, engine.SwitchCamera(handle))
	assert.Equal(t, CameraFront, handle.Facing)
}

func TestMemoryPeerContext_OfferAnswer(t *testing.T) {
	engine := NewMemoryEngine()
	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeVideo)
	require.NoError(t, err)

	peer, err := engine.NewPeerContext("u2", handle)
	require.NoError(t, err)
	assert.Equal(t, "u2", peer.PeerID())

	offer, err := peer.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	// Answer без удаленного offer невозможен
	remote, err := engine.NewPeerContext("u1", handle)
	require.NoError(t, err)
	_, err = remote.CreateAnswer(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeNegotiationFailed))

	require.NoError(t, remote.SetRemoteDescription(offer))
	answer, err := remote.CreateAnswer(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.Contains(answer.SDP, "m=audio"))

	// Закрытый контекст отвергает все операции
	require.NoError(t, peer.Close())
	_, err = peer.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodePeerClosed))
}

func TestMemoryEngine_PeerContextRequiresActiveStream(t *testing.T) {
	engine := NewMemoryEngine()
	handle, err := engine.AcquireLocalStream(context.Background(), CallTypeAudio)
	require.NoError(t, err)

	engine.ReleaseStream(handle)
	_, err = engine.NewPeerContext("u2", handle)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeStreamReleased))
}
