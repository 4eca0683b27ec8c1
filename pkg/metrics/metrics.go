// Package metrics собирает Prometheus метрики ядра звонка.
//
// Collector передается компонентам как зависимость. Для тестов и
// встраивания без экспорта используется Nop(), регистрирующий метрики
// в собственном реестре.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace префикс всех метрик
const Namespace = "callcore"

// Направления сообщений сигнализации
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Config конфигурация сборщика
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: Namespace}
}

// Collector набор метрик
type Collector struct {
	registry prometheus.Gatherer

	negotiationRounds *prometheus.CounterVec
	staleExchanges    prometheus.Counter
	busyDeferrals     prometheus.Counter
	orphanSources     prometheus.Counter
	decodeFailures    *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	signalingMessages *prometheus.CounterVec
	participants      prometheus.Gauge
	connectionState   prometheus.Gauge
}

// New регистрирует метрики в reg
func New(cfg Config, reg prometheus.Registerer) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = Namespace
	}
	factory := promauto.With(reg)
	c := &Collector{}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.registry = g
	}

	c.negotiationRounds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "negotiation_rounds_total",
		Help:      "Negotiation rounds started, by trigger",
	}, []string{"trigger"})

	c.staleExchanges = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "stale_exchanges_total",
		Help:      "Replies to superseded exchanges that were discarded",
	})

	c.busyDeferrals = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "busy_deferrals_total",
		Help:      "Offers deferred because another exchange was pending",
	})

	c.orphanSources = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "orphan_sources_total",
		Help:      "Inbound media sources seen before their participant was known",
	})

	c.decodeFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "decode_failures_total",
		Help:      "Remote input dropped because it could not be decoded",
	}, []string{"source"})

	c.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "state_transitions_total",
		Help:      "Observable connection state transitions, by target state",
	}, []string{"state"})

	c.signalingMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "signaling_messages_total",
		Help:      "Signaling messages by kind and direction",
	}, []string{"kind", "direction"})

	c.participants = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "participants",
		Help:      "Participants known to the ledger",
	})

	c.connectionState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "connection_state",
		Help:      "Current connection state: 0 reconnecting, 1 established, 2 failed",
	})

	return c
}

// Nop сборщик с собственным реестром, ничего не экспортирует
func Nop() *Collector {
	return New(DefaultConfig(), prometheus.NewRegistry())
}

// Gatherer реестр, если он поддерживает сбор
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// NegotiationRound учитывает начатый раунд согласования
func (c *Collector) NegotiationRound(trigger string) {
	c.negotiationRounds.WithLabelValues(trigger).Inc()
}

// StaleExchange учитывает отброшенный устаревший ответ
func (c *Collector) StaleExchange() {
	c.staleExchanges.Inc()
}

// BusyDeferral учитывает отложенный запрос offer
func (c *Collector) BusyDeferral() {
	c.busyDeferrals.Inc()
}

// OrphanSource учитывает обнаруженный ssrc без участника
func (c *Collector) OrphanSource() {
	c.orphanSources.Inc()
}

// DecodeFailure учитывает отброшенный удаленный ввод
func (c *Collector) DecodeFailure(source string) {
	c.decodeFailures.WithLabelValues(source).Inc()
}

// StateTransition учитывает переход состояния соединения.
// value численное значение состояния для gauge.
func (c *Collector) StateTransition(state string, value int) {
	c.stateTransitions.WithLabelValues(state).Inc()
	c.connectionState.Set(float64(value))
}

// SignalingMessage учитывает сообщение сигнализации
func (c *Collector) SignalingMessage(kind, direction string) {
	c.signalingMessages.WithLabelValues(kind, direction).Inc()
}

// SetParticipants обновляет число участников
func (c *Collector) SetParticipants(n int) {
	c.participants.Set(float64(n))
}
