package group

import (
	"time"

	"github.com/arzzra/callcore/pkg/group_sdp"
)

// NegotiationPeer соединение, применяющее описания сессии.
// Все методы вызываются только из задач media домена.
type NegotiationPeer interface {
	// CreateOffer локальный offer в текстовом виде
	CreateOffer() (string, error)
	// CreateAnswer ответ на последний примененный удаленный offer
	CreateAnswer() (string, error)
	SetLocalDescription(sdp string, role group_sdp.Role) error
	SetRemoteDescription(sdp string, role group_sdp.Role) error
	// SetAudioSending переключает основной аудио поток в sendrecv
	SetAudioSending(enabled bool) error
	SetMuted(muted bool)
	Stats() (PeerStats, error)
	Close() error
}

// PeerEvents события соединения. Могут вызываться из любой горутины.
type PeerEvents struct {
	// StateChanged сырой сигнал связности транспорта
	StateChanged func(connected, failed bool)
	// PacketReceived входящий RTP пакет
	PacketReceived func(packet []byte)
}

// PeerFactory создает соединение при старте экземпляра
type PeerFactory func(events PeerEvents) (NegotiationPeer, error)

// PeerStats статистика соединения
type PeerStats struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsLost   uint32
	RoundTripTime time.Duration
}

// AudioLevel уровень звука источника. Локальный поток имеет ssrc 0.
type AudioLevel struct {
	SSRC  uint32
	Level float32
	Voice bool
}

// VideoSink приемник кадров входящего видео
type VideoSink interface {
	OnFrame(frame []byte, timestamp uint32)
}
