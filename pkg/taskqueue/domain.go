// Package taskqueue реализует однопоточные домены планирования.
//
// Ядро звонка работает в трех доменах: control (оркестратор, реестр
// участников, контекст согласования), transport (связность и сырой
// сигналинг) и media (захват, кодирование, приемники потоков). Домены
// взаимодействуют только публикацией задач в очередь друг друга, никто
// никого не ждет. Внутри домена задачи выполняются строго по порядку
// (FIFO), поэтому состоянием, которым владеет домен, можно пользоваться
// без мьютексов.
//
// Основные примитивы:
//   - Domain: очередь задач с Post, PostDelayed и барьером Invoke
//   - Lifetime: токен жизни компонента, отменяющий задачи после Close
//   - Generation: счетчик поколений для отложенных проверок
//   - RepeatingTimer: явный периодический таймер, останавливаемый Stop
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/callcore/pkg/logging"
)

// Domain однопоточная очередь задач
type Domain struct {
	name   string
	clock  Clock
	logger logging.StructuredLogger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// Option настройка домена
type Option func(*Domain)

// WithClock задает источник времени
func WithClock(clock Clock) Option {
	return func(d *Domain) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger задает логгер для паник в задачах
func WithLogger(logger logging.StructuredLogger) Option {
	return func(d *Domain) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDomain создает и запускает домен
func NewDomain(name string, opts ...Option) *Domain {
	d := &Domain{
		name:   name,
		clock:  RealClock(),
		logger: logging.Nop(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("taskqueue").WithFields(logging.String("domain", name))

	go d.loop()
	return d
}

// Name возвращает имя домена
func (d *Domain) Name() string {
	return d.name
}

// Clock возвращает часы домена
func (d *Domain) Clock() Clock {
	return d.clock
}

// Now текущее время по часам домена
func (d *Domain) Now() time.Time {
	return d.clock.Now()
}

// Post ставит задачу в конец очереди. Возвращает false, если домен остановлен.
func (d *Domain) Post(task func()) bool {
	if task == nil {
		return false
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed ставит задачу в очередь после задержки.
// Задача, ставшая ненужной, должна сама проверять свое поколение.
func (d *Domain) PostDelayed(delay time.Duration, task func()) Timer {
	if delay <= 0 {
		d.Post(task)
		return stoppedTimer{}
	}
	return d.clock.AfterFunc(delay, func() {
		d.Post(task)
	})
}

// Invoke выполняет задачу в домене и ждет ее завершения.
// Нельзя вызывать из задачи того же домена.
func (d *Domain) Invoke(task func()) error {
	finished := make(chan struct{})
	if !d.Post(func() {
		defer close(finished)
		task()
	}) {
		return fmt.Errorf("домен %s остановлен", d.name)
	}
	select {
	case <-finished:
		return nil
	case <-d.done:
		return fmt.Errorf("домен %s остановлен до выполнения задачи", d.name)
	}
}

// Flush ждет выполнения всех ранее поставленных задач
func (d *Domain) Flush() {
	_ = d.Invoke(func() {})
}

// Stop останавливает домен. Невыполненные задачи отбрасываются.
func (d *Domain) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done закрывается после остановки цикла домена
func (d *Domain) Done() <-chan struct{} {
	return d.done
}

func (d *Domain) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.wake
			continue
		}
		task := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(task)
	}
}

func (d *Domain) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(context.Background(), "паника в задаче домена",
				logging.Any("panic", r))
		}
	}()
	task()
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
