package group_sdp

import (
	"strconv"
)

// MediaKind тип медиа потока
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Role роль описания в обмене offer/answer
type Role int

const (
	RoleOffer Role = iota
	RoleAnswer
)

func (r Role) String() string {
	if r == RoleAnswer {
		return "answer"
	}
	return "offer"
}

// FeedbackType строка rtcp-fb: "type [subtype]"
type FeedbackType struct {
	Type    string `json:"type" yaml:"type"`
	Subtype string `json:"subtype,omitempty" yaml:"subtype,omitempty"`
}

// Parameter параметр формата из строки fmtp
type Parameter struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// PayloadType возможности кодека для одного payload type
type PayloadType struct {
	ID            uint32         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	ClockRate     uint32         `json:"clockrate" yaml:"clockrate"`
	Channels      uint32         `json:"channels,omitempty" yaml:"channels,omitempty"`
	FeedbackTypes []FeedbackType `json:"feedbackTypes,omitempty" yaml:"feedback_types,omitempty"`
	Parameters    []Parameter    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ExtensionMapping соответствие id заголовочного расширения и его URI
type ExtensionMapping struct {
	ID  uint32 `json:"id" yaml:"id"`
	URI string `json:"uri" yaml:"uri"`
}

// SourceGroup группа связанных ssrc (FID для ретрансляции, SIM для simulcast)
type SourceGroup struct {
	Semantics string   `json:"semantics" yaml:"semantics"`
	SSRCs     []uint32 `json:"ssrcs" yaml:"ssrcs"`
}

// Fingerprint отпечаток DTLS сертификата
type Fingerprint struct {
	Hash        string `json:"hash" yaml:"hash"`
	Setup       string `json:"setup" yaml:"setup"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// JoinPayload описание, которое участник публикует для включения в сессию
type JoinPayload struct {
	Ufrag             string             `json:"ufrag" yaml:"ufrag"`
	Pwd               string             `json:"pwd" yaml:"pwd"`
	Fingerprints      []Fingerprint      `json:"fingerprints" yaml:"fingerprints"`
	SSRC              uint32             `json:"ssrc" yaml:"ssrc"`
	VideoPayloadTypes []PayloadType      `json:"videoPayloadTypes,omitempty" yaml:"video_payload_types,omitempty"`
	VideoExtensionMap []ExtensionMapping `json:"videoExtensionMap,omitempty" yaml:"video_extension_map,omitempty"`
	VideoSourceGroups []SourceGroup      `json:"videoSourceGroups,omitempty" yaml:"video_source_groups,omitempty"`
}

// Candidate ICE кандидат удаленной стороны
type Candidate struct {
	Port       string `json:"port" yaml:"port"`
	Protocol   string `json:"protocol" yaml:"protocol"`
	Network    string `json:"network" yaml:"network"`
	Generation string `json:"generation" yaml:"generation"`
	ID         string `json:"id" yaml:"id"`
	Component  string `json:"component" yaml:"component"`
	Foundation string `json:"foundation" yaml:"foundation"`
	Priority   string `json:"priority" yaml:"priority"`
	IP         string `json:"ip" yaml:"ip"`
	Type       string `json:"type" yaml:"type"`
	TCPType    string `json:"tcpType,omitempty" yaml:"tcp_type,omitempty"`
	RelAddr    string `json:"relAddr,omitempty" yaml:"rel_addr,omitempty"`
	RelPort    string `json:"relPort,omitempty" yaml:"rel_port,omitempty"`
}

// JoinResponsePayload транспортные параметры, полученные в ответ на join.
// Один набор ICE/DTLS параметров разделяется всеми потоками бандла.
type JoinResponsePayload struct {
	Ufrag        string        `json:"ufrag" yaml:"ufrag"`
	Pwd          string        `json:"pwd" yaml:"pwd"`
	Fingerprints []Fingerprint `json:"fingerprints" yaml:"fingerprints"`
	Candidates   []Candidate   `json:"candidates" yaml:"candidates"`
}

// Participant удаленный участник. Ключ идентичности AudioSSRC.
type Participant struct {
	AudioSSRC         uint32             `json:"audioSsrc" yaml:"audio_ssrc"`
	VideoPayloadTypes []PayloadType      `json:"videoPayloadTypes,omitempty" yaml:"video_payload_types,omitempty"`
	VideoExtensionMap []ExtensionMapping `json:"videoExtensionMap,omitempty" yaml:"video_extension_map,omitempty"`
	VideoSourceGroups []SourceGroup      `json:"videoSourceGroups,omitempty" yaml:"video_source_groups,omitempty"`
}

// HasVideo сообщает, описывает ли участник видео поток
func (p Participant) HasVideo() bool {
	return len(p.VideoPayloadTypes) != 0 && firstSSRC(p.VideoSourceGroups) != 0
}

// StreamSpec один поток в описании топологии
type StreamSpec struct {
	IsMain            bool
	IsOutgoing        bool
	IsRemoved         bool
	StreamID          uint32
	SSRC              uint32
	VideoSourceGroups []SourceGroup
	VideoPayloadTypes []PayloadType
	VideoExtensionMap []ExtensionMapping
}

// Kind тип потока. Видео определяется наличием payload types.
func (s StreamSpec) Kind() MediaKind {
	if len(s.VideoPayloadTypes) == 0 {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// MID идентификатор контента в бандле.
// Исходящие потоки: "0" для аудио и "1" для видео, остальные: "audio<id>"/"video<id>".
func (s StreamSpec) MID() string {
	if s.IsOutgoing {
		if s.Kind() == MediaKindAudio {
			return "0"
		}
		return "1"
	}
	return string(s.Kind()) + strconv.FormatUint(uint64(s.StreamID), 10)
}

// Description описание топологии сессии: транспорт плюс упорядоченные потоки.
// Порядок потоков значим: получатель сопоставляет их и по позиции.
type Description struct {
	Transport JoinResponsePayload
	Streams   []StreamSpec
}

// MIDs возвращает идентификаторы контентов в порядке бандла
func (d Description) MIDs() []string {
	mids := make([]string, 0, len(d.Streams))
	for _, s := range d.Streams {
		mids = append(mids, s.MID())
	}
	return mids
}

// StreamInfo сведения о секции m=, извлекаемые из ответа
type StreamInfo struct {
	MID       string
	Kind      MediaKind
	Direction string
	SSRC      uint32
}

// Inactive сообщает, отклонен ли поток
func (s StreamInfo) Inactive() bool {
	return s.Direction == "inactive"
}

func firstSSRC(groups []SourceGroup) uint32 {
	if len(groups) == 0 || len(groups[0].SSRCs) == 0 {
		return 0
	}
	return groups[0].SSRCs[0]
}
