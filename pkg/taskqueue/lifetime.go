package taskqueue

import (
	"sync/atomic"
	"time"
)

// Lifetime невладеющая обратная ссылка на компонент.
//
// Задачи, публикуемые в чужие домены, оборачиваются через Guard и молча
// ничего не делают, если компонент уже закрыт к моменту выполнения.
type Lifetime struct {
	closed atomic.Bool
}

// NewLifetime создает живой токен
func NewLifetime() *Lifetime {
	return &Lifetime{}
}

// Alive сообщает, жив ли компонент
func (l *Lifetime) Alive() bool {
	return !l.closed.Load()
}

// Close помечает компонент уничтоженным. Повторный вызов безопасен.
func (l *Lifetime) Close() {
	l.closed.Store(true)
}

// Guard оборачивает задачу проверкой жизни компонента
func (l *Lifetime) Guard(task func()) func() {
	return func() {
		if l.Alive() {
			task()
		}
	}
}

// Generation счетчик поколений для отложенных задач.
// Принадлежит одному домену и изменяется только из его задач.
type Generation struct {
	current uint64
}

// Next инвалидирует все ранее выданные токены и возвращает новый
func (g *Generation) Next() uint64 {
	g.current++
	return g.current
}

// Current текущий токен
func (g *Generation) Current() uint64 {
	return g.current
}

// Valid проверяет, что токен не устарел
func (g *Generation) Valid(token uint64) bool {
	return g.current == token
}

// RepeatingTimer периодическая задача домена.
//
// Каждый цикл после выполнения работы сам публикует следующий запуск.
// Stop повышает поколение, поэтому уже запланированный запуск ничего не делает.
type RepeatingTimer struct {
	domain   *Domain
	lifetime *Lifetime
	interval time.Duration
	fn       func()

	gen     Generation
	running bool
}

// NewRepeatingTimer создает таймер. Start и Stop вызываются из задач domain.
func NewRepeatingTimer(domain *Domain, lifetime *Lifetime, interval time.Duration, fn func()) *RepeatingTimer {
	if lifetime == nil {
		lifetime = NewLifetime()
	}
	return &RepeatingTimer{
		domain:   domain,
		lifetime: lifetime,
		interval: interval,
		fn:       fn,
	}
}

// Start запускает таймер, первый вызов через interval
func (t *RepeatingTimer) Start() {
	if t.running || t.interval <= 0 {
		return
	}
	t.running = true
	t.schedule(t.gen.Next())
}

// Stop останавливает таймер
func (t *RepeatingTimer) Stop() {
	if !t.running {
		return
	}
	t.running = false
	t.gen.Next()
}

// Running сообщает, запущен ли таймер
func (t *RepeatingTimer) Running() bool {
	return t.running
}

func (t *RepeatingTimer) schedule(token uint64) {
	t.domain.PostDelayed(t.interval, t.lifetime.Guard(func() {
		if !t.gen.Valid(token) {
			return
		}
		t.fn()
		if t.gen.Valid(token) {
			t.schedule(token)
		}
	}))
}
