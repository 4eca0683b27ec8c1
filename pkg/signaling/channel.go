// Package signaling реализует зашифрованный канал сигнализации звонка.
//
// Пакет на проводе: 4 байта счетчика (big-endian) и AEAD-шифротекст
// CBOR-тела. Тело несет подтверждения полученных сообщений и сами
// сообщения, каждое со своим порядковым номером. Неподтвержденные
// сообщения повторяются в следующих пакетах, получатель отбрасывает
// дубликаты. Пакет с уже принятым счетчиком отклоняется как повтор.
package signaling

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/logging"
)

// ServiceCause причина служебной отправки
type ServiceCause uint32

const (
	// CauseAck подтверждение полученных сообщений
	CauseAck ServiceCause = iota + 1
	// CauseResend повторная отправка неподтвержденных
	CauseResend
)

const counterSize = 4

// Config параметры канала
type Config struct {
	// IsOutgoing сторона-инициатор, определяет направление в nonce
	IsOutgoing bool `yaml:"is_outgoing"`
	// MaxResend сколько неподтвержденных сообщений хранится для повтора
	MaxResend int `yaml:"max_resend"`
	// AckDelay задержка служебного подтверждения
	AckDelay time.Duration `yaml:"ack_delay"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxResend: 16,
		AckDelay:  0,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.MaxResend <= 0 {
		return fmt.Errorf("max resend должен быть положительным: %d", c.MaxResend)
	}
	if c.AckDelay < 0 {
		return fmt.Errorf("ack delay отрицательный: %v", c.AckDelay)
	}
	return nil
}

// Prepared зашифрованный пакет для отправки
type Prepared struct {
	Bytes []byte
	// Counter порядковый номер сообщения (0 для служебного пакета)
	Counter uint32
}

// Decrypted сообщения входящего пакета
type Decrypted struct {
	Main       Message
	Additional []Message
}

// All основное и дополнительные сообщения по порядку
func (d *Decrypted) All() []Message {
	if d == nil || d.Main == nil {
		return nil
	}
	return append([]Message{d.Main}, d.Additional...)
}

type pendingMessage struct {
	seq  uint32
	kind Kind
	body []byte
}

// Channel канал сигнализации. Не потокобезопасен, принадлежит control домену.
type Channel struct {
	config Config
	sealer Sealer
	logger logging.StructuredLogger

	packetCounter uint32
	nextSeq       uint32
	unacked       []pendingMessage

	packets     replayWindow
	received    replayWindow
	pendingAcks []uint32

	requestService func(delay time.Duration, cause ServiceCause)
}

// Option настройка канала
type Option func(*Channel)

// WithLogger задает логгер
func WithLogger(logger logging.StructuredLogger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithServiceRequester задает обработчик запросов служебной отправки
func WithServiceRequester(f func(delay time.Duration, cause ServiceCause)) Option {
	return func(c *Channel) {
		c.requestService = f
	}
}

// NewChannel создает канал
func NewChannel(config Config, sealer Sealer, opts ...Option) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sealer == nil {
		return nil, fmt.Errorf("signaling: sealer обязателен")
	}
	c := &Channel{
		config: config,
		sealer: sealer,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("signaling")
	return c, nil
}

// PrepareForSending шифрует сообщение вместе с неподтвержденными
func (c *Channel) PrepareForSending(msg Message) (*Prepared, error) {
	kind, body, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	c.nextSeq++
	seq := c.nextSeq
	c.unacked = append(c.unacked, pendingMessage{seq: seq, kind: kind, body: body})
	if len(c.unacked) > c.config.MaxResend {
		dropped := len(c.unacked) - c.config.MaxResend
		c.logger.Warn(context.Background(), "очередь повтора переполнена",
			logging.Int("dropped", dropped))
		c.unacked = c.unacked[dropped:]
	}

	data, err := c.seal(packetBody{})
	if err != nil {
		return nil, err
	}
	return &Prepared{Bytes: data, Counter: seq}, nil
}

// PrepareForSendingService служебный пакет с подтверждениями и повтором.
// Возвращает nil, если отправлять нечего.
func (c *Channel) PrepareForSendingService(cause ServiceCause) (*Prepared, error) {
	if len(c.pendingAcks) == 0 && len(c.unacked) == 0 {
		return nil, nil
	}
	data, err := c.seal(packetBody{Cause: uint32(cause)})
	if err != nil {
		return nil, err
	}
	return &Prepared{Bytes: data}, nil
}

// HandleIncomingPacket расшифровывает пакет. Для пакета без новых
// сообщений возвращает nil, nil.
func (c *Channel) HandleIncomingPacket(data []byte) (*Decrypted, error) {
	if len(data) <= counterSize {
		return nil, fmt.Errorf("%w: длина %d", ErrMalformedPacket, len(data))
	}

	counter := binary.BigEndian.Uint32(data[:counterSize])
	if !c.packets.check(counter) {
		return nil, fmt.Errorf("%w: счетчик %d", ErrReplay, counter)
	}

	plaintext, err := c.sealer.Open(counter, !c.config.IsOutgoing, data[counterSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: счетчик %d", ErrDecrypt, counter)
	}
	c.packets.mark(counter)

	body, err := decodePacket(plaintext)
	if err != nil {
		return nil, err
	}

	c.applyAcks(body.Acks)

	var messages []Message
	for _, wm := range body.Messages {
		c.pendingAcks = append(c.pendingAcks, wm.Seq)
		if !c.received.check(wm.Seq) {
			continue
		}
		c.received.mark(wm.Seq)

		msg, err := DecodeMessage(wm.Kind, wm.Body)
		if err != nil {
			c.logger.Warn(context.Background(), "сообщение пропущено",
				logging.Uint32("seq", wm.Seq),
				logging.Err(err))
			continue
		}
		messages = append(messages, msg)
	}

	if len(body.Messages) != 0 && c.requestService != nil {
		c.requestService(c.config.AckDelay, CauseAck)
	}

	if len(messages) == 0 {
		return nil, nil
	}
	return &Decrypted{Main: messages[0], Additional: messages[1:]}, nil
}

// Unacknowledged количество сообщений, ожидающих подтверждения
func (c *Channel) Unacknowledged() int {
	return len(c.unacked)
}

func (c *Channel) applyAcks(acks []uint32) {
	if len(acks) == 0 || len(c.unacked) == 0 {
		return
	}
	acked := make(map[uint32]struct{}, len(acks))
	for _, seq := range acks {
		acked[seq] = struct{}{}
	}
	rest := c.unacked[:0]
	for _, m := range c.unacked {
		if _, ok := acked[m.seq]; !ok {
			rest = append(rest, m)
		}
	}
	c.unacked = rest
}

// seal собирает тело: подтверждения плюс все неподтвержденные сообщения
func (c *Channel) seal(body packetBody) ([]byte, error) {
	body.Acks = c.pendingAcks
	c.pendingAcks = nil
	for _, m := range c.unacked {
		body.Messages = append(body.Messages, wireMessage{Seq: m.seq, Kind: m.kind, Body: m.body})
	}

	plaintext, err := encodePacket(body)
	if err != nil {
		return nil, fmt.Errorf("signaling: сериализация пакета: %w", err)
	}

	c.packetCounter++
	sealed, err := c.sealer.Seal(c.packetCounter, c.config.IsOutgoing, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, counterSize, counterSize+len(sealed))
	binary.BigEndian.PutUint32(out, c.packetCounter)
	return append(out, sealed...), nil
}
