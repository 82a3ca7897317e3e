package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок оркестратора.
//
// Ошибки оборачиваются через fmt.Errorf("%w: ...") и проверяются errors.Is.
var (
	// ErrValidation — некорректный ввод, отклоняется до любых изменений.
	ErrValidation = errors.New("validation error")

	// ErrState — операция недопустима в текущем статусе сущности.
	ErrState = errors.New("invalid state")

	// ErrNotFound — сущность с указанным ID не найдена.
	ErrNotFound = errors.New("not found")

	// ErrExecution — шаг миграции или синхронизации упал в процессе выполнения.
	ErrExecution = errors.New("execution failed")

	// ErrPolicy — синхронизация шаблона заблокирована неразрешёнными конфликтами.
	ErrPolicy = errors.New("blocked by policy")

	// ErrInfrastructure — хранилище тенанта или реестр недоступны.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// StepError — ошибка конкретного шага миграции.
//
// Сообщение называет вид шага, поэтому в FAILED записи видно,
// что именно упало: schema_script, artifact_sync или config_update.
type StepError struct {
	Kind  StepKind
	Name  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s %q): %v", e.Index, e.Kind, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять StepError как ErrExecution.
func (e *StepError) Is(target error) bool {
	return target == ErrExecution
}

// Validationf создаёт ошибку валидации.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Statef создаёт ошибку недопустимого состояния.
func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}
