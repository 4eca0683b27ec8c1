package signaling

import (
	"github.com/arzzra/callcore/pkg/coordination"
)

// Kind тип сообщения на проводе
type Kind uint8

const (
	KindCandidatesList Kind = iota + 1
	KindVideoFormats
	KindRequestVideo
	KindRemoteMediaState
	KindAudioData
	KindVideoData
	KindUnstructuredData
	KindVideoParameters
	KindRemoteBatteryLevelIsLow
	KindRemoteNetworkType
	KindNegotiateChannels
)

var kindNames = map[Kind]string{
	KindCandidatesList:          "candidates_list",
	KindVideoFormats:            "video_formats",
	KindRequestVideo:            "request_video",
	KindRemoteMediaState:        "remote_media_state",
	KindAudioData:               "audio_data",
	KindVideoData:               "video_data",
	KindUnstructuredData:        "unstructured_data",
	KindVideoParameters:         "video_parameters",
	KindRemoteBatteryLevelIsLow: "remote_battery_level_is_low",
	KindRemoteNetworkType:       "remote_network_type",
	KindNegotiateChannels:       "negotiate_channels",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message сообщение сигнализации. Набор вариантов закрыт: каждый вариант
// обрабатывается своим методом Handler.
type Message interface {
	Kind() Kind
	accept(h Handler)
}

// Handler обработчик по одному методу на вариант. Добавление варианта
// требует реализации метода у всех обработчиков.
type Handler interface {
	HandleCandidatesList(CandidatesList)
	HandleVideoFormats(VideoFormats)
	HandleRequestVideo(RequestVideo)
	HandleRemoteMediaState(RemoteMediaState)
	HandleAudioData(AudioData)
	HandleVideoData(VideoData)
	HandleUnstructuredData(UnstructuredData)
	HandleVideoParameters(VideoParameters)
	HandleRemoteBatteryLevelIsLow(RemoteBatteryLevelIsLow)
	HandleRemoteNetworkType(RemoteNetworkType)
	HandleNegotiateChannels(NegotiateChannels)
}

// Dispatch передает сообщение соответствующему методу обработчика
func Dispatch(m Message, h Handler) {
	if m == nil || h == nil {
		return
	}
	m.accept(h)
}

// IceParameters параметры ICE стороны
type IceParameters struct {
	Ufrag string `cbor:"1,keyasint"`
	Pwd   string `cbor:"2,keyasint"`
}

// CandidatesList кандидаты транспорта
type CandidatesList struct {
	Ice        IceParameters `cbor:"1,keyasint"`
	Candidates []string      `cbor:"2,keyasint"`
}

// VideoFormat формат видео кодека
type VideoFormat struct {
	Name       string            `cbor:"1,keyasint"`
	Parameters map[string]string `cbor:"2,keyasint,omitempty"`
}

// VideoFormats поддерживаемые видео форматы
type VideoFormats struct {
	Formats       []VideoFormat `cbor:"1,keyasint"`
	EncodersCount int           `cbor:"2,keyasint"`
}

// RequestVideo запрос на отправку видео
type RequestVideo struct{}

// AudioState состояние аудио удаленной стороны
type AudioState uint8

const (
	AudioStateMuted AudioState = iota
	AudioStateActive
)

// VideoState состояние видео удаленной стороны
type VideoState uint8

const (
	VideoStateInactive VideoState = iota
	VideoStateSuspended
	VideoStateActive
)

// RemoteMediaState состояние медиа удаленной стороны
type RemoteMediaState struct {
	Audio AudioState `cbor:"1,keyasint"`
	Video VideoState `cbor:"2,keyasint"`
}

// AudioData транзит аудио данных через сигнализацию
type AudioData struct {
	Data []byte `cbor:"1,keyasint"`
}

// VideoData транзит видео данных через сигнализацию
type VideoData struct {
	Data []byte `cbor:"1,keyasint"`
}

// UnstructuredData произвольные данные
type UnstructuredData struct {
	Data []byte `cbor:"1,keyasint"`
}

// VideoParameters предпочитаемое соотношение сторон, умноженное на 1000
type VideoParameters struct {
	AspectRatio uint32 `cbor:"1,keyasint"`
}

// Aspect соотношение сторон
func (m VideoParameters) Aspect() float32 {
	return float32(m.AspectRatio) / 1000.0
}

// RemoteBatteryLevelIsLow низкий заряд батареи у удаленной стороны
type RemoteBatteryLevelIsLow struct {
	BatteryLow bool `cbor:"1,keyasint"`
}

// RemoteNetworkType класс сети удаленной стороны
type RemoteNetworkType struct {
	IsLowCost bool `cbor:"1,keyasint"`
}

// NegotiateChannels раунд согласования контентов
type NegotiateChannels struct {
	coordination.NegotiationContents
}

func (CandidatesList) Kind() Kind          { return KindCandidatesList }
func (VideoFormats) Kind() Kind            { return KindVideoFormats }
func (RequestVideo) Kind() Kind            { return KindRequestVideo }
func (RemoteMediaState) Kind() Kind        { return KindRemoteMediaState }
func (AudioData) Kind() Kind               { return KindAudioData }
func (VideoData) Kind() Kind               { return KindVideoData }
func (UnstructuredData) Kind() Kind        { return KindUnstructuredData }
func (VideoParameters) Kind() Kind         { return KindVideoParameters }
func (RemoteBatteryLevelIsLow) Kind() Kind { return KindRemoteBatteryLevelIsLow }
func (RemoteNetworkType) Kind() Kind       { return KindRemoteNetworkType }
func (NegotiateChannels) Kind() Kind       { return KindNegotiateChannels }

func (m CandidatesList) accept(h Handler)          { h.HandleCandidatesList(m) }
func (m VideoFormats) accept(h Handler)            { h.HandleVideoFormats(m) }
func (m RequestVideo) accept(h Handler)            { h.HandleRequestVideo(m) }
func (m RemoteMediaState) accept(h Handler)        { h.HandleRemoteMediaState(m) }
func (m AudioData) accept(h Handler)               { h.HandleAudioData(m) }
func (m VideoData) accept(h Handler)               { h.HandleVideoData(m) }
func (m UnstructuredData) accept(h Handler)        { h.HandleUnstructuredData(m) }
func (m VideoParameters) accept(h Handler)         { h.HandleVideoParameters(m) }
func (m RemoteBatteryLevelIsLow) accept(h Handler) { h.HandleRemoteBatteryLevelIsLow(m) }
func (m RemoteNetworkType) accept(h Handler)       { h.HandleRemoteNetworkType(m) }
func (m NegotiateChannels) accept(h Handler)       { h.HandleNegotiateChannels(m) }
