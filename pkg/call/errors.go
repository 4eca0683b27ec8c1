package call

import (
	"errors"
	"fmt"
)

// Ошибки оркестратора
var (
	// ErrResourceCreation транспорт или медиа не созданы, звонок не стартует
	ErrResourceCreation = errors.New("call: не удалось создать ресурсы")
	// ErrStopped звонок уже остановлен
	ErrStopped = errors.New("call: звонок остановлен")
	// ErrAlreadyStarted повторный Start
	ErrAlreadyStarted = errors.New("call: звонок уже запущен")
)

// ResourceError ошибка создания подсистемы
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("call: %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() []error {
	return []error{ErrResourceCreation, e.Err}
}
