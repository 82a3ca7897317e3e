package domain

import "time"

// Tenant — клиентская инсталляция с собственным хранилищем.
//
// Тенант регистрируется один раз и никогда не удаляется —
// вместо этого снимается флаг IsActive.
type Tenant struct {
	// ID — идентификатор тенанта (slug).
	ID string `json:"id"`

	// Name — отображаемое имя.
	Name string `json:"name"`

	// IsActive — неактивные тенанты не попадают в fan-out.
	IsActive bool `json:"is_active"`

	// AutoDeploy — участвует в глобальных развёртываниях.
	AutoDeploy bool `json:"auto_deploy"`

	// AutoSync — участвует в глобальных синхронизациях шаблона.
	AutoSync bool `json:"auto_sync"`

	// CurrentVersion — кэш текущей версии для отображения.
	// Источник истины — хранилище тенанта.
	CurrentVersion string `json:"current_version,omitempty"`

	// CurrentTemplateVersion — текущая версия шаблона.
	CurrentTemplateVersion string `json:"current_template_version,omitempty"`

	LastDeploymentAt *time.Time `json:"last_deployment_at,omitempty"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`

	// ConnectionDescriptor — строка подключения к хранилищу тенанта.
	// Никогда не отдаётся клиентам API.
	ConnectionDescriptor string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantFilter — выборка тенантов для fan-out.
type TenantFilter struct {
	AutoDeploy bool
	AutoSync   bool
}

// Matches проверяет, попадает ли тенант в выборку.
func (f TenantFilter) Matches(t *Tenant) bool {
	if !t.IsActive {
		return false
	}
	if f.AutoDeploy && !t.AutoDeploy {
		return false
	}
	if f.AutoSync && !t.AutoSync {
		return false
	}
	return true
}

// FilterFor возвращает выборку тенантов для типа задания.
func FilterFor(kind JobKind) TenantFilter {
	if kind == JobKindTemplateSync {
		return TenantFilter{AutoSync: true}
	}
	return TenantFilter{AutoDeploy: true}
}
