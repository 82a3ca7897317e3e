package repo

import "github.com/shaiso/Rollout/internal/domain"

// Ошибки репозиториев — те же sentinel'ы, что и в domain,
// поэтому слои выше проверяют их одним errors.Is.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = domain.ErrNotFound

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = domain.ErrState
)
