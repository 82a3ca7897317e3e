package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// ReviewRequest — тело approve.
type ReviewRequest struct {
	Notes       string     `json:"notes,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// RejectRequest — тело reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// ApproveResponse — ответ approve.
type ApproveResponse struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	JobID      uuid.UUID `json:"job_id"`
}

// DeployRequest — развёртывание у одного тенанта.
type DeployRequest struct {
	Version     string                  `json:"version"`
	Notes       string                  `json:"notes,omitempty"`
	Payload     domain.MigrationPayload `json:"payload"`
	ScheduledAt *time.Time              `json:"scheduled_at,omitempty"`
}

// RollbackRequest — откат тенанта.
type RollbackRequest struct {
	TargetVersionID uuid.UUID  `json:"target_version_id"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
}

// SyncRequest — синхронизация шаблона тенанта.
type SyncRequest struct {
	TemplateVersion string                               `json:"template_version"`
	Resolutions     map[string]domain.ConflictResolution `json:"resolutions,omitempty"`
	ScheduledAt     *time.Time                           `json:"scheduled_at,omitempty"`
}

// CancelResponse — результат отмены.
// Cancelled false — задание уже не SCHEDULED.
type CancelResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Cancelled bool      `json:"cancelled"`
}

// TenantRequest — регистрация или обновление тенанта.
type TenantRequest struct {
	Name                 string `json:"name"`
	IsActive             *bool  `json:"is_active,omitempty"`
	AutoDeploy           bool   `json:"auto_deploy"`
	AutoSync             bool   `json:"auto_sync"`
	ConnectionDescriptor string `json:"connection_descriptor"`
}

// ToDomain собирает domain.Tenant. IsActive по умолчанию true.
func (r TenantRequest) ToDomain(id string) domain.Tenant {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return domain.Tenant{
		ID:                   id,
		Name:                 r.Name,
		IsActive:             active,
		AutoDeploy:           r.AutoDeploy,
		AutoSync:             r.AutoSync,
		ConnectionDescriptor: r.ConnectionDescriptor,
	}
}

// Validate проверяет обязательные поля.
func (r TenantRequest) Validate() error {
	if r.Name == "" {
		return domain.Validationf("name is required")
	}
	if r.ConnectionDescriptor == "" {
		return domain.Validationf("connection_descriptor is required")
	}
	return nil
}

// decodeBody читает JSON тело. Пустое тело оставляет v нетронутым.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

// pathID разбирает UUID из параметра пути.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid %s", name)
	}
	return id, nil
}

// queryID разбирает обязательный UUID из query.
func queryID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid %s", name)
	}
	return id, nil
}

// timeRange разбирает from/to (RFC 3339) из query.
func timeRange(r *http.Request) (from, to *time.Time, err error) {
	parse := func(name string) (*time.Time, error) {
		s := r.URL.Query().Get(name)
		if s == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, domain.Validationf("invalid %s: expected RFC 3339", name)
		}
		return &t, nil
	}
	if from, err = parse("from"); err != nil {
		return nil, nil, err
	}
	if to, err = parse("to"); err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, domain.Validationf("to is before from")
	}
	return from, to, nil
}

// requireActor возвращает X-Actor или ошибку валидации.
func requireActor(r *http.Request) (string, error) {
	actor := ActorFrom(r.Context())
	if actor == "" {
		return "", domain.Validationf("%s header is required", ActorHeader)
	}
	return actor, nil
}
