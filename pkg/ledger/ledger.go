// Package ledger хранит набор удаленных участников и запускает
// перегенерацию топологии.
//
// Участник идентифицируется аудио ssrc и никогда не удаляется. Ssrc,
// обнаруженные во входящем медиа раньше своего участника (orphan), копятся
// в очереди и обрабатываются пачкой не чаще одного раза за интервал debounce.
//
// Все методы вызываются из задач control домена.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

// Trigger причина перегенерации
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerRecovery Trigger = "recovery"
)

// Regenerator строит новую топологию и запускает раунд согласования.
// done вызывается в control домене по завершении раунда с любым исходом.
type Regenerator func(ctx context.Context, participants []group_sdp.Participant, trigger Trigger, done func())

// Config параметры реестра
type Config struct {
	// DebounceInterval минимальный интервал между циклами восстановления
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{DebounceInterval: 200 * time.Millisecond}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("debounce interval должен быть положительным: %v", c.DebounceInterval)
	}
	return nil
}

// Ledger реестр участников
type Ledger struct {
	config     Config
	domain     *taskqueue.Domain
	lifetime   *taskqueue.Lifetime
	logger     logging.StructuredLogger
	regenerate Regenerator

	participants []group_sdp.Participant
	known        map[uint32]struct{}
	// sources аудио и видео ssrc всех участников
	sources map[uint32]struct{}

	queue         []uint32
	queued        map[uint32]struct{}
	processed     map[uint32]struct{}
	processing    bool
	lastCompleted time.Time
	cycle         taskqueue.Generation

	onOrphan func(ssrc uint32)
}

// Option настройка реестра
type Option func(*Ledger)

// WithLogger задает логгер
func WithLogger(logger logging.StructuredLogger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithOrphanObserver вызывается для каждого нового orphan ssrc
func WithOrphanObserver(observer func(ssrc uint32)) Option {
	return func(l *Ledger) {
		l.onOrphan = observer
	}
}

// New создает реестр, работающий в domain
func New(config Config, domain *taskqueue.Domain, regenerate Regenerator, opts ...Option) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if domain == nil || regenerate == nil {
		return nil, fmt.Errorf("ledger: domain и regenerate обязательны")
	}

	l := &Ledger{
		config:     config,
		domain:     domain,
		lifetime:   taskqueue.NewLifetime(),
		logger:     logging.Nop(),
		regenerate: regenerate,
		known:      make(map[uint32]struct{}),
		sources:    make(map[uint32]struct{}),
		queued:     make(map[uint32]struct{}),
		processed:  make(map[uint32]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("ledger")
	return l, nil
}

// Participants копия списка в порядке добавления
func (l *Ledger) Participants() []group_sdp.Participant {
	return append([]group_sdp.Participant(nil), l.participants...)
}

// Len количество участников
func (l *Ledger) Len() int {
	return len(l.participants)
}

// Has сообщает, известен ли участник с аудио ssrc
func (l *Ledger) Has(ssrc uint32) bool {
	_, ok := l.known[ssrc]
	return ok
}

// IsKnownSource сообщает, принадлежит ли ssrc какому-либо участнику:
// основной аудио поток или любой ssrc из его видео групп
func (l *Ledger) IsKnownSource(ssrc uint32) bool {
	_, ok := l.sources[ssrc]
	return ok
}

// AddParticipants добавляет новых участников, пропуская известные.
// Перегенерация запускается всегда, даже если новых не было.
// Возвращает количество добавленных.
func (l *Ledger) AddParticipants(ctx context.Context, participants []group_sdp.Participant) int {
	return l.addParticipants(ctx, participants, TriggerManual, func() {})
}

func (l *Ledger) addParticipants(ctx context.Context, participants []group_sdp.Participant, trigger Trigger, done func()) int {
	added := l.merge(participants)

	l.logger.Debug(ctx, "перегенерация топологии",
		logging.String("trigger", string(trigger)),
		logging.Int("added", added),
		logging.Int("total", len(l.participants)))

	l.regenerate(ctx, l.Participants(), trigger, done)
	return added
}

// merge добавляет участников без перегенерации
func (l *Ledger) merge(participants []group_sdp.Participant) int {
	added := 0
	for _, p := range participants {
		if _, ok := l.known[p.AudioSSRC]; ok {
			continue
		}
		l.known[p.AudioSSRC] = struct{}{}
		l.sources[p.AudioSSRC] = struct{}{}
		for _, sg := range p.VideoSourceGroups {
			for _, ssrc := range sg.SSRCs {
				l.sources[ssrc] = struct{}{}
			}
		}
		l.participants = append(l.participants, p)
		added++
	}
	return added
}

// Merge добавляет участников без запуска раунда. Используется, когда
// вызывающий сам строит описание (начальный join).
func (l *Ledger) Merge(participants []group_sdp.Participant) int {
	return l.merge(participants)
}

// OnOrphanSource ставит неизвестный ssrc в очередь восстановления.
// Каждый ssrc обрабатывается не больше одного раза.
func (l *Ledger) OnOrphanSource(ctx context.Context, ssrc uint32) {
	if ssrc == 0 || l.IsKnownSource(ssrc) {
		return
	}
	if _, ok := l.processed[ssrc]; ok {
		return
	}
	l.processed[ssrc] = struct{}{}

	if _, ok := l.queued[ssrc]; !ok {
		l.queued[ssrc] = struct{}{}
		l.queue = append(l.queue, ssrc)
	}
	if l.onOrphan != nil {
		l.onOrphan(ssrc)
	}

	if !l.processing {
		l.beginRecovery(ctx)
	}
}

// Recovering сообщает, идет ли цикл восстановления
func (l *Ledger) Recovering() bool {
	return l.processing
}

// PendingOrphans количество ssrc в очереди
func (l *Ledger) PendingOrphans() int {
	return len(l.queue)
}

// Close останавливает восстановление. Отложенные циклы ничего не делают.
func (l *Ledger) Close() {
	l.lifetime.Close()
	l.cycle.Next()
}

func (l *Ledger) beginRecovery(ctx context.Context) {
	if l.processing {
		return
	}
	l.processing = true
	token := l.cycle.Next()

	wait := time.Duration(0)
	if !l.lastCompleted.IsZero() {
		if elapsed := l.domain.Now().Sub(l.lastCompleted); elapsed < l.config.DebounceInterval {
			wait = l.config.DebounceInterval - elapsed
		}
	}

	l.domain.PostDelayed(wait, l.lifetime.Guard(func() {
		if !l.cycle.Valid(token) {
			return
		}
		l.applyRecovery(ctx)
	}))
}

func (l *Ledger) applyRecovery(ctx context.Context) {
	if len(l.queue) == 0 {
		l.completeRecovery(ctx)
		return
	}

	batch := make([]group_sdp.Participant, 0, len(l.queue))
	ssrcs := l.queue
	for _, ssrc := range ssrcs {
		batch = append(batch, group_sdp.Participant{AudioSSRC: ssrc})
	}
	l.queue = nil
	l.queued = make(map[uint32]struct{})

	l.logger.Info(ctx, "восстановление orphan ssrc", logging.Uint32s("ssrcs", ssrcs))

	token := l.cycle.Current()
	completed := false
	l.addParticipants(ctx, batch, TriggerRecovery, func() {
		if completed || !l.lifetime.Alive() || !l.cycle.Valid(token) {
			return
		}
		completed = true
		l.completeRecovery(ctx)
	})
}

func (l *Ledger) completeRecovery(ctx context.Context) {
	l.processing = false
	l.lastCompleted = l.domain.Now()

	if len(l.queue) != 0 {
		l.beginRecovery(ctx)
	}
}
