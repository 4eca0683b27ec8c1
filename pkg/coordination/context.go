// Package coordination отслеживает раунды offer/answer для многопоточного
// согласования.
//
// В каждый момент может ожидать ответа не больше одного обмена. Новый offer,
// запрошенный во время ожидания, получает ErrBusy: вызывающий ставит запрос
// в очередь и повторяет его после завершения текущего обмена. Ответы на
// устаревшие обмены отбрасываются без изменения состояния.
//
// Контекст не потокобезопасен и принадлежит control домену.
package coordination

import (
	"context"
	"errors"
	"strconv"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/logging"
)

const (
	eventOffer   = "offer"
	eventApply   = "apply"
	eventAnswer  = "answer"
	eventAbandon = "abandon"
	eventReset   = "reset"
)

// Config параметры контекста
type Config struct {
	// IsOutgoing сторона, инициировавшая звонок. При встречных offer
	// побеждает ее обмен.
	IsOutgoing bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	return nil
}

// Context контекст согласования контентов
type Context struct {
	config Config
	logger logging.StructuredLogger
	fsm    *fsm.FSM

	nextExchangeID uint32
	pending        *NegotiationContents

	outgoing        []MediaContent
	nextChannelID   int
	needNegotiation bool

	state CoordinatedState

	onStateChanged func(from, to State)
}

// Option настройка контекста
type Option func(*Context)

// WithLogger задает логгер
func WithLogger(logger logging.StructuredLogger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStateObserver задает наблюдателя переходов
func WithStateObserver(observer func(from, to State)) Option {
	return func(c *Context) {
		c.onStateChanged = observer
	}
}

// New создает контекст в состоянии Idle
func New(config Config, opts ...Option) *Context {
	c := &Context{
		config: config,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("coordination")

	c.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventOffer, Src: []string{string(StateIdle)}, Dst: string(StateOfferPending)},
			{Name: eventApply, Src: []string{string(StateOfferPending)}, Dst: string(StateAnswerApplied)},
			{Name: eventAnswer, Src: []string{string(StateIdle)}, Dst: string(StateAnswerApplied)},
			{Name: eventAbandon, Src: []string{string(StateOfferPending)}, Dst: string(StateIdle)},
			{Name: eventReset, Src: []string{string(StateAnswerApplied)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.logger.Debug(ctx, "переход состояния согласования",
					logging.String("from", e.Src),
					logging.String("to", e.Dst),
					logging.String("event", e.Event))
				if c.onStateChanged != nil {
					c.onStateChanged(State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return c
}

// State текущее состояние
func (c *Context) State() State {
	return State(c.fsm.Current())
}

// PendingExchangeID id ожидающего обмена или 0
func (c *Context) PendingExchangeID() uint32 {
	if c.pending == nil {
		return 0
	}
	return c.pending.ExchangeID
}

// AddOutgoingContent регистрирует исходящий контент. Пустой ID заменяется
// следующим свободным. Требует нового раунда согласования.
func (c *Context) AddOutgoingContent(content MediaContent) string {
	if content.ID == "" {
		content.ID = strconv.Itoa(c.nextChannelID)
		c.nextChannelID++
	}
	if i, ok := indexByID(c.outgoing)[content.ID]; ok {
		c.outgoing[i] = content
	} else {
		c.outgoing = append(c.outgoing, content)
	}
	c.needNegotiation = true
	return content.ID
}

// OutgoingContents желаемые исходящие контенты
func (c *Context) OutgoingContents() []MediaContent {
	return cloneContents(c.outgoing)
}

// NeedsNegotiation сообщает, есть ли несогласованные изменения
func (c *Context) NeedsNegotiation() bool {
	return c.needNegotiation
}

// RequestOffer начинает новый обмен со снимком desired.
// Если предыдущий offer ждет ответа, возвращает ErrBusy.
func (c *Context) RequestOffer(ctx context.Context, desired []MediaContent) (*NegotiationContents, error) {
	if c.pending != nil {
		c.logger.Debug(ctx, "offer отложен, обмен в процессе",
			logging.Uint32("pending_exchange", c.pending.ExchangeID))
		return nil, &ExchangeError{PendingID: c.pending.ExchangeID, Err: ErrBusy}
	}

	if c.State() == StateAnswerApplied {
		if err := c.fsm.Event(ctx, eventReset); err != nil {
			return nil, err
		}
	}

	c.nextExchangeID++
	offer := &NegotiationContents{
		ExchangeID: c.nextExchangeID,
		Contents:   cloneContents(desired),
	}
	if err := c.fsm.Event(logging.WithExchangeID(ctx, offer.ExchangeID), eventOffer); err != nil {
		return nil, err
	}

	c.pending = offer
	c.needNegotiation = false

	result := *offer
	result.Contents = cloneContents(offer.Contents)
	return &result, nil
}

// ApplyRemoteContents применяет ответ на ожидающий обмен.
//
// Исходящие контенты: предложенные нами и принятые удаленной стороной.
// Входящие: объявленные удаленной стороной сверх нашего предложения,
// объединяются с ранее согласованными по ID.
func (c *Context) ApplyRemoteContents(ctx context.Context, remote NegotiationContents) (*CoordinatedState, error) {
	if c.pending == nil {
		c.logger.Warn(ctx, "ответ без ожидающего offer отброшен",
			logging.Uint32("exchange", remote.ExchangeID))
		return nil, &ExchangeError{ExchangeID: remote.ExchangeID, Err: ErrNoPendingOffer}
	}
	if remote.ExchangeID != c.pending.ExchangeID {
		c.logger.Warn(ctx, "ответ на устаревший обмен отброшен",
			logging.Uint32("exchange", remote.ExchangeID),
			logging.Uint32("pending_exchange", c.pending.ExchangeID))
		return nil, &ExchangeError{ExchangeID: remote.ExchangeID, PendingID: c.pending.ExchangeID, Err: ErrStaleExchange}
	}

	ctx = logging.WithExchangeID(ctx, remote.ExchangeID)
	if err := c.fsm.Event(ctx, eventApply); err != nil {
		return nil, err
	}

	accepted := make(map[string]bool, len(remote.Contents))
	for _, rc := range remote.Contents {
		if !rc.Disabled {
			accepted[rc.ID] = true
		}
	}

	offered := indexByID(c.pending.Contents)
	var outgoing []MediaContent
	for _, oc := range c.pending.Contents {
		if accepted[oc.ID] {
			outgoing = append(outgoing, oc)
		}
	}

	incoming := cloneContents(c.state.IncomingContents)
	for _, rc := range remote.Contents {
		if _, ok := offered[rc.ID]; ok {
			continue
		}
		incoming = upsert(incoming, rc)
	}

	c.state = CoordinatedState{
		OutgoingContents: cloneContents(outgoing),
		IncomingContents: incoming,
	}
	c.pending = nil

	c.logger.Debug(ctx, "ответ применен",
		logging.Int("outgoing", len(c.state.OutgoingContents)),
		logging.Int("incoming", len(c.state.IncomingContents)))

	return c.CoordinatedState(), nil
}

// AnswerRemoteOffer отвечает на offer удаленной стороны. Все контенты
// offer принимаются и становятся входящими.
//
// При встречном offer побеждает исходящая сторона: если мы инициатор и наш
// offer ждет ответа, удаленный offer отклоняется с ErrBusy; иначе наш
// обмен считается вытесненным и будет повторен.
func (c *Context) AnswerRemoteOffer(ctx context.Context, offer NegotiationContents) (*NegotiationContents, error) {
	if c.pending != nil {
		if c.config.IsOutgoing {
			c.logger.Warn(ctx, "встречный offer отклонен",
				logging.Uint32("exchange", offer.ExchangeID),
				logging.Uint32("pending_exchange", c.pending.ExchangeID))
			return nil, &ExchangeError{ExchangeID: offer.ExchangeID, PendingID: c.pending.ExchangeID, Err: ErrBusy}
		}
		c.abandon(ctx)
	}

	if c.State() == StateIdle {
		if err := c.fsm.Event(ctx, eventAnswer); err != nil {
			return nil, err
		}
	}

	var incoming []MediaContent
	for _, rc := range offer.Contents {
		if rc.Disabled {
			continue
		}
		incoming = append(incoming, rc)
	}
	c.state.IncomingContents = cloneContents(incoming)

	answer := &NegotiationContents{
		ExchangeID: offer.ExchangeID,
		IsAnswer:   true,
		Contents:   cloneContents(offer.Contents),
	}
	return answer, nil
}

// SetRemoteNegotiationContents разбирает входящий набор контентов:
// ответ применяется к ожидающему обмену, offer получает ответ.
func (c *Context) SetRemoteNegotiationContents(ctx context.Context, remote NegotiationContents) (*NegotiationContents, error) {
	if remote.IsAnswer {
		_, err := c.ApplyRemoteContents(ctx, remote)
		return nil, err
	}
	return c.AnswerRemoteOffer(ctx, remote)
}

// Abandon отменяет ожидающий обмен с указанным id (например, если
// транспорт не смог применить описание). Следующий offer разрешен сразу.
func (c *Context) Abandon(ctx context.Context, exchangeID uint32) error {
	if c.pending == nil || c.pending.ExchangeID != exchangeID {
		return &ExchangeError{ExchangeID: exchangeID, PendingID: c.PendingExchangeID(), Err: ErrStaleExchange}
	}
	c.abandon(ctx)
	return nil
}

func (c *Context) abandon(ctx context.Context) {
	id := c.pending.ExchangeID
	if err := c.fsm.Event(ctx, eventAbandon); err != nil && !errors.As(err, new(fsm.NoTransitionError)) {
		c.logger.LogError(ctx, err, "не удалось отменить обмен")
	}
	c.pending = nil
	c.needNegotiation = true
	c.logger.Debug(ctx, "обмен вытеснен", logging.Uint32("exchange", id))
}

// CoordinatedState снимок последнего примененного состояния. Ожидающий
// обмен в нем никогда не отражается.
func (c *Context) CoordinatedState() *CoordinatedState {
	return &CoordinatedState{
		OutgoingContents: cloneContents(c.state.OutgoingContents),
		IncomingContents: cloneContents(c.state.IncomingContents),
	}
}

func upsert(contents []MediaContent, content MediaContent) []MediaContent {
	if content.Disabled {
		out := contents[:0]
		for _, c := range contents {
			if c.ID != content.ID {
				out = append(out, c)
			}
		}
		return out
	}
	for i := range contents {
		if contents[i].ID == content.ID {
			contents[i] = content
			return contents
		}
	}
	return append(contents, content)
}
