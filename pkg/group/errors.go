package group

import (
	"errors"
	"fmt"
)

var (
	// ErrNotJoined нет join payload или ответа на него
	ErrNotJoined = errors.New("group: экземпляр еще не присоединился")
	// ErrStopped экземпляр остановлен
	ErrStopped = errors.New("group: экземпляр остановлен")
	// ErrAlreadyStarted повторный Start
	ErrAlreadyStarted = errors.New("group: экземпляр уже запущен")
	// ErrResourceCreation соединение не создано, экземпляр не стартует
	ErrResourceCreation = errors.New("group: не удалось создать соединение")
)

// PeerError ошибка шага согласования на стороне соединения
type PeerError struct {
	Op  string
	Err error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("group: %s: %v", e.Op, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}
