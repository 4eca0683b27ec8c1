// Package call реализует оркестратор звонка один на один.
//
// Call владеет зашифрованным каналом сигнализации, маршрутизирует входящие
// сообщения в transport и media домены, выводит наблюдаемое состояние
// соединения с гистерезисом и согласует набор медиа каналов через
// coordination.Context. Все состояние принадлежит control домену, публичные
// методы только публикуют задачи и безопасны из любой горутины.
package call

import (
	"time"

	"github.com/arzzra/callcore/pkg/signaling"
)

// TransportState сырой сигнал транспорта
type TransportState struct {
	ReadyToSendData bool
	Failed          bool
}

// TrafficStats счетчики трафика по типу сети
type TrafficStats struct {
	BytesSentWifi       uint64
	BytesReceivedWifi   uint64
	BytesSentMobile     uint64
	BytesReceivedMobile uint64
}

// EndpointType тип пути транспорта
type EndpointType int

const (
	EndpointInet EndpointType = iota
	EndpointLAN
	EndpointUDPRelay
	EndpointTCPRelay
)

// NetworkRecord смена сетевого пути
type NetworkRecord struct {
	Timestamp    int64
	EndpointType EndpointType
	IsLowCost    bool
}

// BitrateRecord отсчет исходящего битрейта
type BitrateRecord struct {
	Timestamp int64
	Bitrate   int32
}

// CallStats статистика звонка. Заполняется транспортом, затем медиа.
type CallStats struct {
	OutgoingCodec  string
	BitrateRecords []BitrateRecord
	NetworkRecords []NetworkRecord
}

// VideoCapture источник исходящего видео
type VideoCapture interface {
	ID() string
}

// VideoSink приемник входящих кадров
type VideoSink interface {
	OnFrame(frame []byte, timestamp uint32)
}

// TransportDomain граница с подсистемой ICE/DTLS транспорта.
// Все методы вызываются из задач transport домена.
type TransportDomain interface {
	Start()
	// ReceiveSignalingMessage сообщения о кандидатах
	ReceiveSignalingMessage(msg signaling.Message)
	SendMessage(msg signaling.Message)
	SendTransportService(cause signaling.ServiceCause)
	SetIsLocalNetworkLowCost(isLowCost bool)
	GetNetworkStats() TrafficStats
	FillCallStats(stats *CallStats)
	Close()
}

// TransportEvents события транспорта. Вызываются из любой горутины,
// оркестратор сам переносит их в control домен.
type TransportEvents struct {
	StateChanged    func(state TransportState)
	MessageReceived func(msg signaling.Message)
	// SendSignaling отправка через канал сигнализации (кандидаты)
	SendSignaling func(msg signaling.Message)
	// RequestService запрос служебной отправки транспорта
	RequestService func(delay time.Duration, cause signaling.ServiceCause)
}

// MediaDomain граница с захватом, кодированием и приемниками потоков.
// Все методы вызываются из задач media домена.
type MediaDomain interface {
	Start()
	SetIsConnected(connected bool)
	SetMuteOutgoingAudio(mute bool)
	SetSendVideo(capture VideoCapture)
	SetIncomingVideoOutput(sink VideoSink)
	RemoteVideoStateUpdated(state signaling.VideoState)
	SetIsCurrentNetworkLowCost(isLowCost bool)
	ReceiveMessage(msg signaling.Message)
	SetRequestedVideoAspect(aspect float32)
	FillCallStats(stats *CallStats)
	Close()
}

// MediaEvents события медиа подсистемы
type MediaEvents struct {
	SendSignaling     func(msg signaling.Message)
	SendTransport     func(msg signaling.Message)
	SignalBarsUpdated func(bars int)
}

// TransportFactory создает транспорт. Ошибка фатальна для старта звонка.
type TransportFactory func(events TransportEvents) (TransportDomain, error)

// MediaFactory создает медиа подсистему
type MediaFactory func(events MediaEvents) (MediaDomain, error)
