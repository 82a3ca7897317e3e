package tenantstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// Store — хранилище одного тенанта.
//
// Store держит соединение с базой тенанта; вызывающий обязан закрыть
// его через Close на любом пути выхода.
type Store interface {
	// TenantID возвращает тенанта, к которому привязан store.
	TenantID() string

	CreateVersion(ctx context.Context, v *domain.DeploymentVersion) error
	GetVersion(ctx context.Context, id uuid.UUID) (*domain.DeploymentVersion, error)

	// TransitionVersion сохраняет статус v, только если запись всё ещё
	// в статусе from. Иначе — ошибка domain.ErrState (или ErrNotFound),
	// запись не меняется.
	TransitionVersion(ctx context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error

	// ListVersions возвращает историю, новые записи первыми.
	ListVersions(ctx context.Context) ([]domain.DeploymentVersion, error)

	// LatestCompleted возвращает текущую версию: последнюю COMPLETED
	// запись по времени развёртывания. Nil, если таких нет.
	LatestCompleted(ctx context.Context) (*domain.DeploymentVersion, error)

	ListArtifacts(ctx context.Context) ([]domain.TemplateArtifact, error)
	Setting(ctx context.Context, name string) (string, bool, error)

	// TemplateVersion возвращает текущую версию шаблона ("" если не задана).
	TemplateVersion(ctx context.Context) (string, error)

	// InTx выполняет fn в одной транзакции.
	// Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx — изменения в рамках транзакции хранилища тенанта.
type Tx interface {
	// ExecSchema выполняет SQL-скрипт изменения схемы.
	ExecSchema(ctx context.Context, script string) error

	PutArtifact(ctx context.Context, a domain.TemplateArtifact) error
	DeleteArtifact(ctx context.Context, path string) error
	GetArtifact(ctx context.Context, path string) (*domain.TemplateArtifact, error)

	SetConfig(ctx context.Context, name, value string) error

	SetTemplateVersion(ctx context.Context, version string) error

	// LatestCompleted и ListVersions читают историю внутри транзакции.
	LatestCompleted(ctx context.Context) (*domain.DeploymentVersion, error)
	ListVersions(ctx context.Context) ([]domain.DeploymentVersion, error)

	TransitionVersion(ctx context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error
}

// Resolver открывает Store по connection descriptor тенанта.
type Resolver interface {
	Open(ctx context.Context, tenant domain.Tenant) (Store, error)
}
