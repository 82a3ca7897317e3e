package orchestrator

import (
	"fmt"

	"github.com/shaiso/Rollout/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrNotConfigured — для операции не подключён нужный компонент
	// (планировщик или синхронизатор шаблонов).
	ErrNotConfigured = fmt.Errorf("%w: component not configured", domain.ErrInfrastructure)

	// ErrWrongKind — задание другого типа, чем ожидает операция.
	ErrWrongKind = fmt.Errorf("%w: wrong job kind", domain.ErrValidation)
)
