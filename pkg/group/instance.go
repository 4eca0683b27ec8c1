// Package group управляет участием в групповом звонке.
//
// Экземпляр публикует join payload, применяет ответ сервера и поддерживает
// описание сессии в соответствии с реестром участников. Каждое изменение
// реестра порождает новое описание, которое применяется к соединению как
// offer удаленной стороны. Состояние экземпляра принадлежит control домену,
// работа с соединением выполняется в media домене.
package group

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/arzzra/callcore/pkg/connection"
	"github.com/arzzra/callcore/pkg/coordination"
	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/ledger"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

// Callbacks события экземпляра. Вызываются в control домене.
type Callbacks struct {
	NetworkStateUpdated         func(state connection.State)
	AudioLevelsUpdated          func(levels []AudioLevel)
	IncomingVideoSourcesUpdated func(ssrcs []uint32)
	CoordinatedStateUpdated     func(state *coordination.CoordinatedState)
	StatsUpdated                func(stats PeerStats)
}

// Dependencies домены и фабрика соединения
type Dependencies struct {
	Control *taskqueue.Domain
	Media   *taskqueue.Domain
	NewPeer PeerFactory

	Logger  logging.StructuredLogger
	Metrics *metrics.Collector
}

// Instance участник группового звонка
type Instance struct {
	id        string
	ctx       context.Context
	config    Config
	callbacks Callbacks
	logger    logging.StructuredLogger
	metrics   *metrics.Collector

	control  *taskqueue.Domain
	media    *taskqueue.Domain
	lifetime *taskqueue.Lifetime
	newPeer  PeerFactory
	peer     NegotiationPeer

	ledger       *ledger.Ledger
	tracker      *connection.Tracker
	coordination *coordination.Context
	levelsTimer  *taskqueue.RepeatingTimer
	statsTimer   *taskqueue.RepeatingTimer

	mainSSRC      uint32
	join          *group_sdp.JoinPayload
	response      *group_sdp.JoinResponsePayload
	appliedRemote string
	deferred      []round
	joined        bool

	muted        bool
	audioSending bool

	levels         map[uint32]AudioLevel
	localPeak      float32
	localPeakCount int
	localLevel     AudioLevel
	videoSources   []uint32
	sinks          *sinkRegistry

	started bool
	stopped bool
}

// New создает экземпляр со случайным ненулевым основным аудио ssrc
func New(config Config, deps Dependencies, callbacks Callbacks) (*Instance, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Control == nil || deps.Media == nil {
		return nil, fmt.Errorf("group: нужны control и media домены")
	}
	if deps.NewPeer == nil {
		return nil, fmt.Errorf("group: нужна фабрика соединения")
	}

	g := &Instance{
		id:        uuid.NewString(),
		config:    config,
		callbacks: callbacks,
		metrics:   deps.Metrics,
		control:   deps.Control,
		media:     deps.Media,
		lifetime:  taskqueue.NewLifetime(),
		newPeer:   deps.NewPeer,
		mainSSRC:  generateSSRC(),
		muted:     true,
		levels:    make(map[uint32]AudioLevel),
		sinks:     newSinkRegistry(),
	}
	base := deps.Logger
	if base == nil {
		base = logging.Nop()
	}
	if g.metrics == nil {
		g.metrics = metrics.Nop()
	}
	g.logger = base.WithComponent("group").WithFields(logging.Uint32("main_ssrc", g.mainSSRC))
	g.ctx = logging.WithCallID(context.Background(), g.id)

	var err error
	g.ledger, err = ledger.New(config.Ledger, g.control, g.regenerate,
		ledger.WithLogger(base),
		ledger.WithOrphanObserver(func(uint32) { g.metrics.OrphanSource() }))
	if err != nil {
		return nil, err
	}

	g.tracker, err = connection.New(config.Connection, g.control,
		connection.WithLogger(base),
		connection.OnStateChanged(g.onNetworkState))
	if err != nil {
		return nil, err
	}

	g.coordination = coordination.New(coordination.Config{IsOutgoing: true},
		coordination.WithLogger(base))

	g.levelsTimer = taskqueue.NewRepeatingTimer(g.control, g.lifetime, config.LevelsInterval, g.emitLevels)
	g.statsTimer = taskqueue.NewRepeatingTimer(g.control, g.lifetime, config.StatsInterval, g.collectStats)

	return g, nil
}

func generateSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}

// ID идентификатор экземпляра в логах
func (g *Instance) ID() string {
	return g.id
}

// MainSSRC ssrc исходящего аудио
func (g *Instance) MainSSRC() uint32 {
	return g.mainSSRC
}

// Start создает соединение и запускает таймеры.
// Нельзя вызывать из задач control домена.
func (g *Instance) Start() error {
	var err error
	if invokeErr := g.control.Invoke(func() { err = g.start() }); invokeErr != nil {
		return fmt.Errorf("%w: %v", ErrStopped, invokeErr)
	}
	return err
}

func (g *Instance) start() error {
	if g.stopped {
		return ErrStopped
	}
	if g.started {
		return ErrAlreadyStarted
	}

	peer, err := g.newPeer(PeerEvents{
		StateChanged: func(connected, failed bool) {
			g.post(func() {
				g.tracker.Update(g.ctx, connection.Raw{Connected: connected, Failed: failed})
			})
		},
		PacketReceived: g.ReceiveRTP,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrResourceCreation, err)
		g.logger.LogError(g.ctx, err, "экземпляр не запущен")
		return err
	}
	g.peer = peer
	g.started = true

	// звук включили до появления соединения
	if !g.muted {
		g.postMedia(func(peer NegotiationPeer) { peer.SetMuted(false) })
		g.audioSending = true
		g.reapplyLocalDescription()
	}

	g.levelsTimer.Start()
	g.statsTimer.Start()

	g.logger.Info(g.ctx, "групповой экземпляр запущен",
		logging.Uint32("session_id", g.config.SessionID))
	return nil
}

// Stop останавливает таймеры и закрывает соединение.
// Задачи, уже стоящие в очередях, ничего не делают.
func (g *Instance) Stop() {
	g.control.Post(func() {
		if g.stopped {
			return
		}
		g.stopped = true
		g.levelsTimer.Stop()
		g.statsTimer.Stop()
		g.lifetime.Close()
		g.ledger.Close()
		g.tracker.Close()

		if peer := g.peer; peer != nil {
			g.media.Post(func() {
				if err := peer.Close(); err != nil {
					g.logger.Warn(g.ctx, "ошибка закрытия соединения", logging.Err(err))
				}
			})
		}
		g.logger.Info(g.ctx, "групповой экземпляр остановлен")
	})
}

// EmitJoinPayload создает локальный offer и публикует его как join payload.
// completion вызывается ровно один раз: до успешного Start с ErrNotJoined,
// после Stop с ErrStopped. Обычно вызов идет в control домене, если домены
// уже остановлены, то в вызывающей горутине.
func (g *Instance) EmitJoinPayload(completion func(payload group_sdp.JoinPayload, err error)) {
	if !g.control.Post(func() { g.emitJoinPayload(completion) }) {
		completion(group_sdp.JoinPayload{}, ErrStopped)
	}
}

func (g *Instance) emitJoinPayload(completion func(group_sdp.JoinPayload, error)) {
	switch {
	case g.stopped:
		completion(group_sdp.JoinPayload{}, ErrStopped)
		return
	case !g.started || g.peer == nil:
		g.logger.Warn(g.ctx, "join payload запрошен без соединения", logging.Err(ErrNotJoined))
		completion(group_sdp.JoinPayload{}, ErrNotJoined)
		return
	}

	ssrc, peer := g.mainSSRC, g.peer
	posted := g.media.Post(func() {
		if !g.lifetime.Alive() {
			g.finishJoinPayload(completion, "", ErrStopped)
			return
		}
		offer, err := applyLocalOffer(peer, ssrc)
		g.finishJoinPayload(completion, offer, err)
	})
	if !posted {
		completion(group_sdp.JoinPayload{}, ErrStopped)
	}
}

// finishJoinPayload возвращает результат media шага в control домен
func (g *Instance) finishJoinPayload(completion func(group_sdp.JoinPayload, error), offer string, err error) {
	posted := g.control.Post(func() {
		if g.stopped {
			completion(group_sdp.JoinPayload{}, ErrStopped)
			return
		}
		var payload *group_sdp.JoinPayload
		if err == nil {
			payload, err = group_sdp.DecodeJoinPayload(offer)
		}
		if err != nil {
			g.metrics.DecodeFailure("local_offer")
			g.logger.LogError(g.ctx, err, "join payload не создан")
			completion(group_sdp.JoinPayload{}, err)
			return
		}
		payload.SSRC = g.mainSSRC
		g.join = payload
		g.logger.Info(g.ctx, "join payload создан",
			logging.Int("fingerprints", len(payload.Fingerprints)))
		completion(*payload, nil)
	})
	if !posted {
		completion(group_sdp.JoinPayload{}, ErrStopped)
	}
}

// SetJoinResponsePayload применяет ответ сервера на join и добавляет
// участников. До EmitJoinPayload вызов игнорируется.
func (g *Instance) SetJoinResponsePayload(response group_sdp.JoinResponsePayload, participants []group_sdp.Participant) {
	g.post(func() {
		if g.join == nil {
			g.logger.Warn(g.ctx, "ответ на join отброшен", logging.Err(ErrNotJoined))
			return
		}
		g.response = &response
		g.negotiate(g.ctx, round{role: group_sdp.RoleAnswer, trigger: triggerJoin})
		g.ledger.AddParticipants(g.ctx, participants)
	})
}

// AddParticipants добавляет участников и запускает раунд согласования
func (g *Instance) AddParticipants(participants []group_sdp.Participant) {
	g.post(func() {
		g.ledger.AddParticipants(g.ctx, participants)
	})
}

// RemoveSsrcs принимается для совместимости. Участники не удаляются.
func (g *Instance) RemoveSsrcs(ssrcs []uint32) {
	g.post(func() {
		g.logger.Debug(g.ctx, "удаление участников не поддерживается", logging.Uint32s("ssrcs", ssrcs))
	})
}

// SetIsMuted выключает исходящий звук. Первое включение переводит
// основной аудио поток в sendrecv и заново применяет локальное описание.
func (g *Instance) SetIsMuted(muted bool) {
	g.post(func() {
		if muted == g.muted {
			return
		}
		g.muted = muted
		if muted {
			g.localLevel = AudioLevel{}
		}

		g.postMedia(func(peer NegotiationPeer) { peer.SetMuted(muted) })

		if !muted && !g.audioSending && g.peer != nil {
			g.audioSending = true
			g.reapplyLocalDescription()
		}
	})
}

func (g *Instance) reapplyLocalDescription() {
	ssrc := g.mainSSRC
	g.postMedia(func(peer NegotiationPeer) {
		err := peer.SetAudioSending(true)
		if err == nil {
			_, err = applyLocalOffer(peer, ssrc)
		}
		g.post(func() {
			if err != nil {
				g.logger.LogError(g.ctx, err, "локальное описание не применено")
				return
			}
			g.negotiate(g.ctx, round{role: group_sdp.RoleAnswer, trigger: triggerLocal})
		})
	})
}

// SetIncomingVideoOutput задает приемник видео участника. Приемник
// заменяется на месте, если для ssrc он уже был.
func (g *Instance) SetIncomingVideoOutput(ssrc uint32, sink VideoSink) {
	g.sinks.set(ssrc, sink)
}

// DeliverVideoFrame передает кадр приемнику ssrc. Вызывается из media домена.
func (g *Instance) DeliverVideoFrame(ssrc uint32, frame []byte, timestamp uint32) {
	g.sinks.deliver(ssrc, frame, timestamp)
}

// Participants снимок реестра. Нельзя вызывать из задач control домена.
func (g *Instance) Participants() []group_sdp.Participant {
	var participants []group_sdp.Participant
	_ = g.control.Invoke(func() { participants = g.ledger.Participants() })
	return participants
}

func (g *Instance) post(task func()) {
	g.control.Post(g.lifetime.Guard(task))
}

func (g *Instance) postMedia(task func(peer NegotiationPeer)) {
	if g.peer == nil {
		return
	}
	peer := g.peer
	g.media.Post(g.lifetime.Guard(func() { task(peer) }))
}

func (g *Instance) onNetworkState(state connection.State) {
	g.metrics.StateTransition(string(state), state.Ordinal())
	if g.callbacks.NetworkStateUpdated != nil {
		g.callbacks.NetworkStateUpdated(state)
	}
}

// applyLocalOffer создает offer с основным ssrc и применяет его локально
func applyLocalOffer(peer NegotiationPeer, ssrc uint32) (string, error) {
	offer, err := peer.CreateOffer()
	if err != nil {
		return "", &PeerError{Op: "create offer", Err: err}
	}
	offer = group_sdp.RewriteAudioSSRC(offer, ssrc)
	if err := peer.SetLocalDescription(group_sdp.AdjustLocalDescription(offer), group_sdp.RoleOffer); err != nil {
		return "", &PeerError{Op: "set local offer", Err: err}
	}
	return offer, nil
}
