package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentVersion — запись истории развёртываний тенанта.
//
// История не удаляется: откат помечает вытесненную версию ROLLED_BACK
// и добавляет новую COMPLETED запись с IsRollback=true.
type DeploymentVersion struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// TenantID — тенант, к которому относится запись.
	TenantID string `json:"tenant_id"`

	// Version — метка версии (например, "1.2.0").
	Version string `json:"version"`

	// ReleaseNotes — описание изменений.
	ReleaseNotes string `json:"release_notes,omitempty"`

	// Payload — шаги миграции.
	Payload MigrationPayload `json:"payload"`

	// Status — текущий статус записи.
	Status VersionStatus `json:"status"`

	// ReleasedAt — время создания записи.
	ReleasedAt time.Time `json:"released_at"`

	// DeployedAt — время успешного применения.
	DeployedAt *time.Time `json:"deployed_at,omitempty"`

	// DeployedBy — кто выполнил развёртывание.
	DeployedBy string `json:"deployed_by,omitempty"`

	// IsRollback — запись создана откатом.
	IsRollback bool `json:"is_rollback"`

	// RollbackFrom — версия, которую вытеснил откат.
	RollbackFrom *uuid.UUID `json:"rollback_from,omitempty"`

	// Error — текст ошибки для FAILED.
	Error string `json:"error,omitempty"`
}

// NewDeploymentVersion создаёт запись в статусе PENDING.
func NewDeploymentVersion(tenantID, version, notes string, payload MigrationPayload) *DeploymentVersion {
	return &DeploymentVersion{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Version:      version,
		ReleaseNotes: notes,
		Payload:      payload,
		Status:       VersionStatusPending,
		ReleasedAt:   time.Now().UTC(),
	}
}

// CanDeploy возвращает true, если версию можно применить.
func (v *DeploymentVersion) CanDeploy() bool {
	return v.Status == VersionStatusPending
}

// MarkInProgress переводит версию в IN_PROGRESS.
func (v *DeploymentVersion) MarkInProgress(actor string) {
	v.Status = VersionStatusInProgress
	v.DeployedBy = actor
	v.Error = ""
}

// MarkCompleted переводит версию в COMPLETED.
func (v *DeploymentVersion) MarkCompleted(at time.Time) {
	v.Status = VersionStatusCompleted
	v.DeployedAt = &at
}

// MarkFailed переводит версию в FAILED с ошибкой.
func (v *DeploymentVersion) MarkFailed(err string) {
	v.Status = VersionStatusFailed
	v.DeployedAt = nil
	v.Error = err
}

// MarkRolledBack помечает версию как вытесненную откатом.
func (v *DeploymentVersion) MarkRolledBack() {
	v.Status = VersionStatusRolledBack
}

// VersionHistory — история версий тенанта с указанием текущей.
type VersionHistory struct {
	TenantID  string              `json:"tenant_id"`
	CurrentID *uuid.UUID          `json:"current_id,omitempty"`
	Versions  []DeploymentVersion `json:"versions"`
}
