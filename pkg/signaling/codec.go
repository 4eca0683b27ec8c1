package signaling

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wireMessage сообщение внутри пакета. Seq нумерует сообщения отправителя
// для подтверждений и отбрасывания повторов.
type wireMessage struct {
	Seq  uint32          `cbor:"1,keyasint"`
	Kind Kind            `cbor:"2,keyasint"`
	Body cbor.RawMessage `cbor:"3,keyasint"`
}

// packetBody открытая часть пакета
type packetBody struct {
	Acks     []uint32      `cbor:"1,keyasint,omitempty"`
	Messages []wireMessage `cbor:"2,keyasint,omitempty"`
	Cause    uint32        `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMessage сериализует сообщение в CBOR
func EncodeMessage(m Message) (Kind, []byte, error) {
	if m == nil {
		return 0, nil, fmt.Errorf("%w: пустое сообщение", ErrUnknownMessage)
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return 0, nil, fmt.Errorf("signaling: сериализация %s: %w", m.Kind(), err)
	}
	return m.Kind(), body, nil
}

// DecodeMessage восстанавливает сообщение по типу и телу
func DecodeMessage(kind Kind, body []byte) (Message, error) {
	switch kind {
	case KindCandidatesList:
		return decodeAs[CandidatesList](body)
	case KindVideoFormats:
		return decodeAs[VideoFormats](body)
	case KindRequestVideo:
		return decodeAs[RequestVideo](body)
	case KindRemoteMediaState:
		return decodeAs[RemoteMediaState](body)
	case KindAudioData:
		return decodeAs[AudioData](body)
	case KindVideoData:
		return decodeAs[VideoData](body)
	case KindUnstructuredData:
		return decodeAs[UnstructuredData](body)
	case KindVideoParameters:
		return decodeAs[VideoParameters](body)
	case KindRemoteBatteryLevelIsLow:
		return decodeAs[RemoteBatteryLevelIsLow](body)
	case KindRemoteNetworkType:
		return decodeAs[RemoteNetworkType](body)
	case KindNegotiateChannels:
		return decodeAs[NegotiateChannels](body)
	default:
		return nil, fmt.Errorf("%w: тип %d", ErrUnknownMessage, kind)
	}
}

func decodeAs[T Message](body []byte) (Message, error) {
	var m T
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return m, nil
}

func encodePacket(p packetBody) ([]byte, error) {
	return encMode.Marshal(p)
}

func decodePacket(data []byte) (packetBody, error) {
	var p packetBody
	if err := decMode.Unmarshal(data, &p); err != nil {
		return packetBody{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return p, nil
}
