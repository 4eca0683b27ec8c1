// Package connection выводит наблюдаемое состояние соединения из сырого
// сигнала транспорта.
//
// Переход Established -> Reconnecting откладывается на GraceDelay, если
// последнее согласование было не раньше GraceWindow назад: перестроение
// бандла часто дает кратковременный разрыв, который приложению показывать
// не нужно. Отложенная проверка помечается поколением, любое новое
// обновление делает ее недействительной.
package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

// State наблюдаемое состояние соединения
type State string

const (
	StateReconnecting State = "reconnecting"
	StateEstablished  State = "established"
	StateFailed       State = "failed"
)

// Ordinal численное значение состояния для метрик
func (s State) Ordinal() int {
	switch s {
	case StateEstablished:
		return 1
	case StateFailed:
		return 2
	default:
		return 0
	}
}

const (
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
	eventFail       = "fail"
)

// Raw сырой сигнал транспорта
type Raw struct {
	Connected bool
	Failed    bool
}

func (r Raw) target() State {
	switch {
	case r.Failed:
		return StateFailed
	case r.Connected:
		return StateEstablished
	default:
		return StateReconnecting
	}
}

// Config параметры гистерезиса
type Config struct {
	// GraceWindow насколько свежим должно быть согласование для отсрочки
	GraceWindow time.Duration `yaml:"grace_window"`
	// GraceDelay задержка повторной проверки
	GraceDelay time.Duration `yaml:"grace_delay"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		GraceWindow: time.Second,
		GraceDelay:  time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.GraceWindow < 0 || c.GraceDelay < 0 {
		return fmt.Errorf("отрицательные интервалы гистерезиса: window=%v delay=%v", c.GraceWindow, c.GraceDelay)
	}
	return nil
}

// Tracker трекер состояния. Методы вызываются из задач domain.
type Tracker struct {
	config   Config
	domain   *taskqueue.Domain
	lifetime *taskqueue.Lifetime
	logger   logging.StructuredLogger
	fsm      *fsm.FSM

	raw             Raw
	didConnectOnce  bool
	lastNegotiation time.Time
	recheck         taskqueue.Generation

	onStateChanged    func(State)
	onFirstConnection func()
}

// Option настройка трекера
type Option func(*Tracker)

// WithLogger задает логгер
func WithLogger(logger logging.StructuredLogger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// OnStateChanged вызывается при каждом изменении наблюдаемого состояния
func OnStateChanged(f func(State)) Option {
	return func(t *Tracker) {
		t.onStateChanged = f
	}
}

// OnFirstConnection вызывается один раз за время жизни трекера
func OnFirstConnection(f func()) Option {
	return func(t *Tracker) {
		t.onFirstConnection = f
	}
}

// New создает трекер в состоянии Reconnecting
func New(config Config, domain *taskqueue.Domain, opts ...Option) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if domain == nil {
		return nil, fmt.Errorf("connection: domain обязателен")
	}

	t := &Tracker{
		config:   config,
		domain:   domain,
		lifetime: taskqueue.NewLifetime(),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("connection")

	t.fsm = fsm.NewFSM(
		string(StateReconnecting),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateReconnecting), string(StateFailed)}, Dst: string(StateEstablished)},
			{Name: eventDisconnect, Src: []string{string(StateEstablished), string(StateFailed)}, Dst: string(StateReconnecting)},
			{Name: eventFail, Src: []string{string(StateReconnecting), string(StateEstablished)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				t.logger.Info(ctx, "состояние соединения изменено",
					logging.String("from", e.Src),
					logging.String("to", e.Dst))
			},
		},
	)
	return t, nil
}

// State текущее наблюдаемое состояние
func (t *Tracker) State() State {
	return State(t.fsm.Current())
}

// Raw последний сырой сигнал
func (t *Tracker) Raw() Raw {
	return t.raw
}

// DidConnectOnce было ли хотя бы одно успешное соединение
func (t *Tracker) DidConnectOnce() bool {
	return t.didConnectOnce
}

// NoteNegotiation отмечает момент применения нового описания
func (t *Tracker) NoteNegotiation() {
	t.lastNegotiation = t.domain.Now()
}

// Update принимает сырой сигнал транспорта
func (t *Tracker) Update(ctx context.Context, raw Raw) {
	t.raw = raw
	token := t.recheck.Next()

	if !raw.Connected && t.State() == StateEstablished && t.inGraceWindow() {
		t.logger.Debug(ctx, "понижение состояния отложено",
			logging.Duration("delay", t.config.GraceDelay))
		t.domain.PostDelayed(t.config.GraceDelay, t.lifetime.Guard(func() {
			if !t.recheck.Valid(token) {
				return
			}
			t.apply(ctx, t.raw.target())
		}))
		return
	}

	t.apply(ctx, raw.target())

	if raw.Connected && !t.didConnectOnce {
		t.didConnectOnce = true
		if t.onFirstConnection != nil {
			t.onFirstConnection()
		}
	}
}

// Close отменяет отложенные проверки
func (t *Tracker) Close() {
	t.lifetime.Close()
	t.recheck.Next()
}

func (t *Tracker) inGraceWindow() bool {
	if t.lastNegotiation.IsZero() {
		return false
	}
	return t.domain.Now().Sub(t.lastNegotiation) < t.config.GraceWindow
}

func (t *Tracker) apply(ctx context.Context, target State) {
	current := t.State()
	if current == target {
		return
	}

	var event string
	switch target {
	case StateEstablished:
		event = eventConnect
	case StateFailed:
		event = eventFail
	default:
		event = eventDisconnect
	}

	if err := t.fsm.Event(ctx, event); err != nil {
		t.logger.LogError(ctx, err, "недопустимый переход состояния соединения",
			logging.String("from", string(current)),
			logging.String("to", string(target)))
		return
	}
	if t.onStateChanged != nil {
		t.onStateChanged(target)
	}
}
