package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// MemoryEngine in-memory реализация Engine.
//
// Используется в тестах и в окружениях без реальных устройств захвата.
// Offer/answer синтезируются как настоящие SDP описания, чтобы
// переговорный путь был наблюдаем в тестах.
type MemoryEngine struct {
	mu sync.Mutex

	// Текущий выданный поток, не более одного
	active *StreamHandle

	// Освобожденные потоки, для проверок в тестах
	released []string

	// FailAcquire, если установлена, возвращается из AcquireLocalStream
	FailAcquire error
}

// NewMemoryEngine создает движок без активного потока
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{}
}

// AcquireLocalStream выдает дескриптор потока для указанного типа вызова
func (e *MemoryEngine) AcquireLocalStream(ctx context.Context, callType CallType) (*StreamHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FailAcquire != nil {
		return nil, WrapMediaError(ErrorCodeDeviceUnavailable, "", "capture device unavailable", e.FailAcquire)
	}
	if !callType.Valid() {
		return nil, NewMediaError(ErrorCodeCallTypeInvalid, "", "unknown call type: "+string(callType))
	}
	if e.active != nil {
		return e.active, nil
	}

	e.active = &StreamHandle{
		ID:           uuid.NewString(),
		Type:         callType,
		AudioEnabled: true,
		VideoEnabled: callType == CallTypeVideo,
		Facing:       CameraFront,
	}
	return e.active, nil
}

// ReleaseStream освобождает поток. Неизвестный дескриптор - no-op.
func (e *MemoryEngine) ReleaseStream(handle *StreamHandle) {
	if handle == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil || e.active.ID != handle.ID {
		return
	}
	e.released = append(e.released, handle.ID)
	e.active = nil
}

// SetTrackEnabled переключает флаг включенности трека
func (e *MemoryEngine) SetTrackEnabled(handle *StreamHandle, kind TrackKind, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle == nil || e.active == nil || e.active.ID != handle.ID {
		return NewMediaError(ErrorCodeStreamReleased, streamID(handle), "stream already released")
	}

	switch kind {
	case TrackAudio:
		e.active.AudioEnabled = enabled
		handle.AudioEnabled = enabled
	case TrackVideo:
		if e.active.Type != CallTypeVideo {
			return NewMediaError(ErrorCodeTrackUnknown, handle.ID, "stream has no video track")
		}
		e.active.VideoEnabled = enabled
		handle.VideoEnabled = enabled
	default:
		return NewMediaError(ErrorCodeTrackUnknown, handle.ID, "unknown track kind: "+string(kind))
	}
	return nil
}

// SwitchCamera переключает направление камеры
func (e *MemoryEngine) SwitchCamera(handle *StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle == nil || e.active == nil || e.active.ID != handle.ID {
		return NewMediaError(ErrorCodeStreamReleased, streamID(handle), "stream already released")
	}
	if e.active.Type != CallTypeVideo {
		return NewMediaError(ErrorCodeTrackUnknown, handle.ID, "stream has no video track")
	}

	if e.active.Facing == CameraFront {
		e.active.Facing = CameraBack
	} else {
		e.active.Facing = CameraFront
	}
	handle.Facing = e.active.Facing
	return nil
}

// NewPeerContext создает in-memory контекст переговоров для участника
func (e *MemoryEngine) NewPeerContext(peerID string, handle *StreamHandle) (PeerContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle == nil || e.active == nil || e.active.ID != handle.ID {
		return nil, NewMediaError(ErrorCodeStreamReleased, streamID(handle), "stream already released")
	}

	return &memoryPeerContext{
		peerID:   peerID,
		streamID: handle.ID,
		callType: handle.Type,
	}, nil
}

// ReleasedStreams возвращает идентификаторы освобожденных потоков
func (e *MemoryEngine) ReleasedStreams() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, len(e.released))
	copy(out, e.released)
	return out
}

func streamID(handle *StreamHandle) string {
	if handle == nil {
		return ""
	}
	return handle.ID
}

// memoryPeerContext in-memory контекст медиа-переговоров одного участника
type memoryPeerContext struct {
	mu       sync.Mutex
	peerID   string
	streamID string
	callType CallType
	closed   bool

	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	version    uint64
}

func (p *memoryPeerContext) PeerID() string {
	return p.peerID
}

func (p *memoryPeerContext) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(webrtc.SDPTypeOffer)
}

func (p *memoryPeerContext) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()
	if remote == nil {
		return webrtc.SessionDescription{}, NewMediaError(ErrorCodeNegotiationFailed, p.streamID,
			"answer requested before remote offer")
	}
	return p.describe(webrtc.SDPTypeAnswer)
}

// describe синтезирует SDP описание сессии для текущего состава треков
func (p *memoryPeerContext) describe(sdpType webrtc.SDPType) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, NewMediaError(ErrorCodePeerClosed, p.streamID, "peer context closed")
	}

	p.version++
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "videophone",
			SessionID:      1,
			SessionVersion: p.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "videophone call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
					Formats: []string{"111"},
				},
			},
		},
	}
	if p.callType == CallTypeVideo {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{"96"},
			},
		})
	}

	raw, err := desc.Marshal()
	if err != nil {
		return webrtc.SessionDescription{}, WrapMediaError(ErrorCodeNegotiationFailed, p.streamID,
			"failed to marshal session description", err)
	}

	out := webrtc.SessionDescription{Type: sdpType, SDP: string(raw)}
	p.local = &out
	return out, nil
}

func (p *memoryPeerContext) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewMediaError(ErrorCodePeerClosed, p.streamID, "peer context closed")
	}
	p.local = &desc
	return nil
}

func (p *memoryPeerContext) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewMediaError(ErrorCodePeerClosed, p.streamID, "peer context closed")
	}
	if desc.SDP == "" {
		return NewMediaError(ErrorCodeNegotiationFailed, p.streamID, "empty remote description")
	}
	p.remote = &desc
	return nil
}

func (p *memoryPeerContext) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewMediaError(ErrorCodePeerClosed, p.streamID, "peer context closed")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *memoryPeerContext) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ Engine = (*MemoryEngine)(nil)
var _ PeerContext = (*memoryPeerContext)(nil)
