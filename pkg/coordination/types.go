package coordination

import (
	"errors"
	"fmt"

	"github.com/arzzra/callcore/pkg/group_sdp"
)

// State состояние контекста согласования
type State string

const (
	StateIdle          State = "idle"
	StateOfferPending  State = "offer_pending"
	StateAnswerApplied State = "answer_applied"
)

// MediaContent один контент (поток) в обмене offer/answer
type MediaContent struct {
	ID            string                       `cbor:"1,keyasint" yaml:"id"`
	Type          group_sdp.MediaKind          `cbor:"2,keyasint" yaml:"type"`
	SSRC          uint32                       `cbor:"3,keyasint" yaml:"ssrc"`
	SSRCGroups    []group_sdp.SourceGroup      `cbor:"4,keyasint,omitempty" yaml:"ssrc_groups,omitempty"`
	PayloadTypes  []group_sdp.PayloadType      `cbor:"5,keyasint,omitempty" yaml:"payload_types,omitempty"`
	RTPExtensions []group_sdp.ExtensionMapping `cbor:"6,keyasint,omitempty" yaml:"rtp_extensions,omitempty"`
	// Disabled отклоненный контент в ответе
	Disabled bool `cbor:"7,keyasint,omitempty" yaml:"disabled,omitempty"`
}

// NegotiationContents набор контентов одного обмена
type NegotiationContents struct {
	ExchangeID uint32         `cbor:"1,keyasint"`
	IsAnswer   bool           `cbor:"2,keyasint,omitempty"`
	Contents   []MediaContent `cbor:"3,keyasint"`
}

// CoordinatedState согласованное состояние последнего примененного обмена
type CoordinatedState struct {
	OutgoingContents []MediaContent
	IncomingContents []MediaContent
}

// Ошибки контекста согласования
var (
	// ErrBusy предыдущий offer еще ждет ответа, запрос надо повторить позже
	ErrBusy = errors.New("coordination: обмен уже в процессе")
	// ErrStaleExchange ответ относится к устаревшему обмену
	ErrStaleExchange = errors.New("coordination: устаревший обмен")
	// ErrNoPendingOffer ответ пришел, когда offer не отправлялся
	ErrNoPendingOffer = errors.New("coordination: нет ожидающего offer")
)

// ExchangeError ошибка с указанием обмена
type ExchangeError struct {
	ExchangeID uint32
	PendingID  uint32
	Err        error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%v (exchange=%d, pending=%d)", e.Err, e.ExchangeID, e.PendingID)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

func cloneContents(contents []MediaContent) []MediaContent {
	if contents == nil {
		return nil
	}
	out := make([]MediaContent, len(contents))
	for i, c := range contents {
		out[i] = c
		out[i].SSRCGroups = append([]group_sdp.SourceGroup(nil), c.SSRCGroups...)
		out[i].PayloadTypes = append([]group_sdp.PayloadType(nil), c.PayloadTypes...)
		out[i].RTPExtensions = append([]group_sdp.ExtensionMapping(nil), c.RTPExtensions...)
	}
	return out
}

func indexByID(contents []MediaContent) map[string]int {
	idx := make(map[string]int, len(contents))
	for i, c := range contents {
		idx[c.ID] = i
	}
	return idx
}
