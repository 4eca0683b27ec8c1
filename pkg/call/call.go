package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/callcore/pkg/connection"
	"github.com/arzzra/callcore/pkg/coordination"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

// Callbacks наблюдаемые события звонка. Вызываются в control домене.
type Callbacks struct {
	StateUpdated                      func(state connection.State)
	RemoteMediaStateUpdated           func(audio signaling.AudioState, video signaling.VideoState)
	RemoteBatteryLevelIsLowUpdated    func(isLow bool)
	RemotePreferredAspectRatioUpdated func(aspect float32)
	// SignalingDataEmitted зашифрованный пакет для отправки удаленной стороне
	SignalingDataEmitted    func(data []byte)
	SignalBarsUpdated       func(bars int)
	CoordinatedStateUpdated func(state *coordination.CoordinatedState)
}

// Dependencies домены и фабрики подсистем
type Dependencies struct {
	Control   *taskqueue.Domain
	Transport *taskqueue.Domain
	Media     *taskqueue.Domain

	NewTransport TransportFactory
	NewMedia     MediaFactory
	Sealer       signaling.Sealer

	Logger  logging.StructuredLogger
	Metrics *metrics.Collector
}

func (d Dependencies) validate() error {
	if d.Control == nil || d.Transport == nil || d.Media == nil {
		return fmt.Errorf("call: нужны control, transport и media домены")
	}
	if d.NewTransport == nil || d.NewMedia == nil {
		return fmt.Errorf("call: нужны фабрики транспорта и медиа")
	}
	return nil
}

// Call оркестратор звонка один на один
type Call struct {
	id        string
	ctx       context.Context
	config    Config
	callbacks Callbacks
	logger    logging.StructuredLogger
	metrics   *metrics.Collector

	control         *taskqueue.Domain
	transportDomain *taskqueue.Domain
	mediaDomain     *taskqueue.Domain
	lifetime        *taskqueue.Lifetime

	newTransport TransportFactory
	newMedia     MediaFactory
	transport    TransportDomain
	media        MediaDomain

	channel      *signaling.Channel
	tracker      *connection.Tracker
	coordination *coordination.Context
	router       *router

	started bool
	stopped bool

	localNetworkLowCost  bool
	remoteNetworkLowCost bool
	videoCaptureID       string
}

// New создает звонок. Подсистемы создаются в Start.
func New(config Config, deps Dependencies, callbacks Callbacks) (*Call, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	c := &Call{
		id:                  uuid.NewString(),
		config:              config,
		callbacks:           callbacks,
		metrics:             deps.Metrics,
		control:             deps.Control,
		transportDomain:     deps.Transport,
		mediaDomain:         deps.Media,
		lifetime:            taskqueue.NewLifetime(),
		newTransport:        deps.NewTransport,
		newMedia:            deps.NewMedia,
		localNetworkLowCost: config.LocalNetworkLowCost,
	}
	base := deps.Logger
	if base == nil {
		base = logging.Nop()
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop()
	}
	c.logger = base.WithComponent("call")
	c.ctx = logging.WithCallID(context.Background(), c.id)
	c.router = &router{c: c}

	signalingConfig := config.Signaling
	signalingConfig.IsOutgoing = config.IsOutgoing
	channel, err := signaling.NewChannel(signalingConfig, deps.Sealer,
		signaling.WithLogger(base),
		signaling.WithServiceRequester(c.requestSignalingService))
	if err != nil {
		return nil, err
	}
	c.channel = channel

	tracker, err := connection.New(config.Connection, c.control,
		connection.WithLogger(base),
		connection.OnStateChanged(c.onStateChanged),
		connection.OnFirstConnection(c.onFirstConnection))
	if err != nil {
		return nil, err
	}
	c.tracker = tracker

	c.coordination = coordination.New(coordination.Config{IsOutgoing: config.IsOutgoing},
		coordination.WithLogger(base))

	return c, nil
}

// ID идентификатор звонка в логах
func (c *Call) ID() string {
	return c.id
}

// Start создает транспорт и медиа и запускает их.
// Нельзя вызывать из задач control домена.
func (c *Call) Start() error {
	var err error
	if invokeErr := c.control.Invoke(func() { err = c.start() }); invokeErr != nil {
		return fmt.Errorf("%w: %v", ErrStopped, invokeErr)
	}
	return err
}

func (c *Call) start() error {
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	transport, err := c.newTransport(TransportEvents{
		StateChanged: func(state TransportState) {
			c.post(func() { c.onTransportState(state) })
		},
		MessageReceived: func(msg signaling.Message) {
			c.post(func() { c.receiveMessage(msg) })
		},
		SendSignaling: func(msg signaling.Message) {
			c.post(func() { c.sendSignalingMessage(msg) })
		},
		RequestService: func(delay time.Duration, cause signaling.ServiceCause) {
			c.control.PostDelayed(delay, c.lifetime.Guard(func() {
				c.postTransport(func(t TransportDomain) { t.SendTransportService(cause) })
			}))
		},
	})
	if err != nil {
		resErr := &ResourceError{Resource: "transport", Err: err}
		c.logger.LogError(c.ctx, resErr, "звонок не запущен")
		return resErr
	}

	media, err := c.newMedia(MediaEvents{
		SendSignaling: func(msg signaling.Message) {
			c.post(func() { c.sendSignalingMessage(msg) })
		},
		SendTransport: func(msg signaling.Message) {
			c.post(func() { c.sendTransportMessage(msg) })
		},
		SignalBarsUpdated: func(bars int) {
			c.post(func() {
				if c.callbacks.SignalBarsUpdated != nil {
					c.callbacks.SignalBarsUpdated(bars)
				}
			})
		},
	})
	if err != nil {
		c.transportDomain.Post(transport.Close)
		resErr := &ResourceError{Resource: "media", Err: err}
		c.logger.LogError(c.ctx, resErr, "звонок не запущен")
		return resErr
	}

	c.transport = transport
	c.media = media
	c.started = true

	c.postTransport(func(t TransportDomain) { t.Start() })
	c.postMedia(func(m MediaDomain) { m.Start() })

	c.logger.Info(c.ctx, "звонок запущен",
		logging.Bool("outgoing", c.config.IsOutgoing),
		logging.Int("protocol_version", int(c.config.ProtocolVersion)))
	return nil
}

// Stop останавливает звонок. Задачи, уже стоящие в очередях, ничего не делают.
func (c *Call) Stop() {
	c.control.Post(func() {
		if c.stopped {
			return
		}
		c.stopped = true
		c.lifetime.Close()
		c.tracker.Close()

		if c.transport != nil {
			c.transportDomain.Post(c.transport.Close)
		}
		if c.media != nil {
			c.mediaDomain.Post(c.media.Close)
		}
		c.logger.Info(c.ctx, "звонок остановлен")
	})
}

// ReceiveSignalingData принимает зашифрованный пакет от удаленной стороны
func (c *Call) ReceiveSignalingData(data []byte) {
	data = append([]byte(nil), data...)
	c.post(func() { c.receiveSignalingData(data) })
}

// SetVideoCapture меняет источник исходящего видео
func (c *Call) SetVideoCapture(capture VideoCapture) {
	c.post(func() {
		id := ""
		if capture != nil {
			id = capture.ID()
		}
		if id == c.videoCaptureID {
			return
		}
		if !c.tracker.DidConnectOnce() {
			c.logger.Warn(c.ctx, "видео задано до первого соединения")
		}
		c.videoCaptureID = id
		c.postMedia(func(m MediaDomain) { m.SetSendVideo(capture) })
	})
}

// SetRequestedVideoAspect желаемое соотношение сторон входящего видео
func (c *Call) SetRequestedVideoAspect(aspect float32) {
	c.post(func() {
		c.postMedia(func(m MediaDomain) { m.SetRequestedVideoAspect(aspect) })
	})
}

// SetMuteOutgoingAudio выключает исходящий звук
func (c *Call) SetMuteOutgoingAudio(mute bool) {
	c.post(func() {
		c.postMedia(func(m MediaDomain) { m.SetMuteOutgoingAudio(mute) })
	})
}

// SetIncomingVideoOutput задает приемник входящего видео
func (c *Call) SetIncomingVideoOutput(sink VideoSink) {
	c.post(func() {
		c.postMedia(func(m MediaDomain) { m.SetIncomingVideoOutput(sink) })
	})
}

// SetIsLowBatteryLevel сообщает удаленной стороне о низком заряде
func (c *Call) SetIsLowBatteryLevel(isLow bool) {
	c.post(func() {
		c.sendTransportMessage(signaling.RemoteBatteryLevelIsLow{BatteryLow: isLow})
	})
}

// SetIsLocalNetworkLowCost обновляет оценку стоимости локальной сети
func (c *Call) SetIsLocalNetworkLowCost(isLowCost bool) {
	c.post(func() {
		if isLowCost == c.localNetworkLowCost {
			return
		}
		c.postTransport(func(t TransportDomain) { t.SetIsLocalNetworkLowCost(isLowCost) })

		was := c.isCurrentNetworkLowCost()
		c.localNetworkLowCost = isLowCost
		c.updateIsCurrentNetworkLowCost(was)

		if c.config.ProtocolVersion == ProtocolV1 && c.tracker.DidConnectOnce() {
			c.sendTransportMessage(signaling.RemoteNetworkType{IsLowCost: isLowCost})
		}
	})
}

// GetNetworkStats собирает статистику транспорта, затем медиа.
// completion вызывается в control домене.
func (c *Call) GetNetworkStats(completion func(TrafficStats, CallStats)) {
	c.post(func() {
		if !c.started {
			completion(TrafficStats{}, CallStats{})
			return
		}
		c.postTransport(func(t TransportDomain) {
			traffic := t.GetNetworkStats()
			var stats CallStats
			t.FillCallStats(&stats)

			c.post(func() {
				c.postMedia(func(m MediaDomain) {
					m.FillCallStats(&stats)
					c.post(func() { completion(traffic, stats) })
				})
			})
		})
	})
}

// AddOutgoingChannel добавляет исходящий медиа канал и запускает
// согласование, если соединение уже было установлено
func (c *Call) AddOutgoingChannel(content coordination.MediaContent) {
	c.post(func() {
		id := c.coordination.AddOutgoingContent(content)
		c.logger.Debug(c.ctx, "исходящий канал добавлен",
			logging.String("content_id", id),
			logging.String("type", string(content.Type)))
		c.requestNegotiation(c.ctx)
	})
}

// post публикует задачу в control домен с проверкой жизни звонка
func (c *Call) post(task func()) {
	c.control.Post(c.lifetime.Guard(task))
}

func (c *Call) postTransport(task func(t TransportDomain)) {
	if c.transport == nil {
		return
	}
	t := c.transport
	c.transportDomain.Post(c.lifetime.Guard(func() { task(t) }))
}

func (c *Call) postMedia(task func(m MediaDomain)) {
	if c.media == nil {
		return
	}
	m := c.media
	c.mediaDomain.Post(c.lifetime.Guard(func() { task(m) }))
}

func (c *Call) receiveSignalingData(data []byte) {
	decrypted, err := c.channel.HandleIncomingPacket(data)
	if err != nil {
		c.metrics.DecodeFailure("signaling")
		c.logger.Warn(c.ctx, "пакет сигнализации отброшен", logging.Err(err))
		return
	}
	for _, msg := range decrypted.All() {
		c.receiveMessage(msg)
	}
}

func (c *Call) receiveMessage(msg signaling.Message) {
	c.metrics.SignalingMessage(msg.Kind().String(), metrics.DirectionIn)
	signaling.Dispatch(msg, c.router)
}

func (c *Call) sendSignalingMessage(msg signaling.Message) {
	prepared, err := c.channel.PrepareForSending(msg)
	if err != nil {
		c.logger.LogError(c.ctx, err, "сообщение сигнализации не отправлено",
			logging.String("kind", msg.Kind().String()))
		return
	}
	c.metrics.SignalingMessage(msg.Kind().String(), metrics.DirectionOut)
	c.emit(prepared)
}

func (c *Call) sendTransportMessage(msg signaling.Message) {
	c.metrics.SignalingMessage(msg.Kind().String(), metrics.DirectionOut)
	c.postTransport(func(t TransportDomain) { t.SendMessage(msg) })
}

func (c *Call) requestSignalingService(delay time.Duration, cause signaling.ServiceCause) {
	c.control.PostDelayed(delay, c.lifetime.Guard(func() {
		prepared, err := c.channel.PrepareForSendingService(cause)
		if err != nil {
			c.logger.LogError(c.ctx, err, "служебный пакет не отправлен")
			return
		}
		if prepared != nil {
			c.emit(prepared)
		}
	}))
}

func (c *Call) emit(prepared *signaling.Prepared) {
	if c.callbacks.SignalingDataEmitted != nil {
		c.callbacks.SignalingDataEmitted(prepared.Bytes)
	}
}

func (c *Call) onTransportState(state TransportState) {
	c.tracker.Update(c.ctx, connection.Raw{
		Connected: state.ReadyToSendData,
		Failed:    state.Failed,
	})
	c.postMedia(func(m MediaDomain) { m.SetIsConnected(state.ReadyToSendData) })
}

func (c *Call) onStateChanged(state connection.State) {
	c.metrics.StateTransition(string(state), state.Ordinal())
	if c.callbacks.StateUpdated != nil {
		c.callbacks.StateUpdated(state)
	}
}

func (c *Call) onFirstConnection() {
	c.sendInitialSignalingMessages()
	c.requestNegotiation(c.ctx)
}

func (c *Call) sendInitialSignalingMessages() {
	switch c.config.ProtocolVersion {
	case ProtocolV1:
		c.sendTransportMessage(signaling.RemoteNetworkType{IsLowCost: c.localNetworkLowCost})
	}
}

func (c *Call) isCurrentNetworkLowCost() bool {
	return c.localNetworkLowCost && c.remoteNetworkLowCost
}

func (c *Call) updateIsCurrentNetworkLowCost(was bool) {
	now := c.isCurrentNetworkLowCost()
	if now == was {
		return
	}
	c.logger.Debug(c.ctx, "стоимость сети изменена", logging.Bool("low_cost", now))
	c.postMedia(func(m MediaDomain) { m.SetIsCurrentNetworkLowCost(now) })
}

// requestNegotiation отправляет offer, если есть несогласованные каналы.
// Занятый контекст откладывает offer до ответа на текущий обмен.
func (c *Call) requestNegotiation(ctx context.Context) {
	if !c.tracker.DidConnectOnce() || !c.coordination.NeedsNegotiation() {
		return
	}
	offer, err := c.coordination.RequestOffer(ctx, c.coordination.OutgoingContents())
	if err != nil {
		if errors.Is(err, coordination.ErrBusy) {
			c.metrics.BusyDeferral()
			return
		}
		c.logger.LogError(ctx, err, "offer не создан")
		return
	}
	c.metrics.NegotiationRound("manual")
	c.sendSignalingMessage(signaling.NegotiateChannels{NegotiationContents: *offer})
}

func (c *Call) handleNegotiateChannels(remote coordination.NegotiationContents) {
	ctx := logging.WithExchangeID(c.ctx, remote.ExchangeID)

	if remote.IsAnswer {
		state, err := c.coordination.ApplyRemoteContents(ctx, remote)
		if err != nil {
			if errors.Is(err, coordination.ErrStaleExchange) || errors.Is(err, coordination.ErrNoPendingOffer) {
				c.metrics.StaleExchange()
			}
			return
		}
		c.tracker.NoteNegotiation()
		c.notifyCoordinated(state)
		c.requestNegotiation(ctx)
		return
	}

	answer, err := c.coordination.AnswerRemoteOffer(ctx, remote)
	if err != nil {
		if errors.Is(err, coordination.ErrBusy) {
			c.metrics.BusyDeferral()
		}
		return
	}
	c.tracker.NoteNegotiation()
	c.sendSignalingMessage(signaling.NegotiateChannels{NegotiationContents: *answer})
	c.notifyCoordinated(c.coordination.CoordinatedState())
	c.requestNegotiation(ctx)
}

func (c *Call) notifyCoordinated(state *coordination.CoordinatedState) {
	if c.callbacks.CoordinatedStateUpdated != nil {
		c.callbacks.CoordinatedStateUpdated(state)
	}
}
