// Package versioning применяет версии к хранилищу одного тенанта.
//
// Engine работает строго с одним tenantstore.Store: создаёт записи
// DeploymentVersion, выполняет шаги миграции, откатывает тенанта к
// предыдущей версии и сравнивает payload'ы версий.
//
// Текущая версия тенанта не кэшируется: она всегда вычисляется
// запросом последней COMPLETED записи по времени развёртывания.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore"
)

// Engine — движок версий одного тенанта.
type Engine struct {
	store  tenantstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Engine поверх хранилища тенанта.
func New(store tenantstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: logger.With("tenant_id", store.TenantID()),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateVersion создаёт запись версии в статусе PENDING.
func (e *Engine) CreateVersion(ctx context.Context, version, notes string, payload domain.MigrationPayload) (*domain.DeploymentVersion, error) {
	if version == "" {
		return nil, domain.Validationf("version label is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	v := domain.NewDeploymentVersion(e.store.TenantID(), version, notes, payload)
	if err := e.store.CreateVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("%w: create version: %w", domain.ErrInfrastructure, err)
	}
	return v, nil
}

// Deploy применяет PENDING версию.
//
// Все шаги выполняются в одной транзакции хранилища тенанта: упавший
// шаг откатывает остальные, а запись переходит в FAILED с текстом ошибки.
// Возвращаемая ошибка шага удовлетворяет errors.Is(err, domain.ErrExecution).
func (e *Engine) Deploy(ctx context.Context, versionID uuid.UUID, actor string) (*domain.DeploymentVersion, error) {
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !v.CanDeploy() {
		return nil, domain.Statef("version %s is %s, expected %s", v.ID, v.Status, domain.VersionStatusPending)
	}

	// Параллельный Deploy той же записи проигрывает здесь с ErrState.
	v.MarkInProgress(actor)
	if err := e.store.TransitionVersion(ctx, v, domain.VersionStatusPending); err != nil {
		if errors.Is(err, domain.ErrState) || errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mark in progress: %w", domain.ErrInfrastructure, err)
	}

	log := e.logger.With("version", v.Version, "version_id", v.ID)
	log.Info("deploying version", "steps", len(v.Payload.Steps))

	err = e.store.InTx(ctx, func(tx tenantstore.Tx) error {
		for i, step := range v.Payload.Steps {
			if err := applyStep(ctx, tx, step, v.Version); err != nil {
				return &domain.StepError{Kind: step.Kind, Name: step.Name, Index: i, Err: err}
			}
		}
		v.MarkCompleted(e.now())
		return tx.TransitionVersion(ctx, v, domain.VersionStatusInProgress)
	})
	if err != nil {
		return v, e.fail(ctx, v, err)
	}

	log.Info("version deployed")
	return v, nil
}

// Rollback откатывает тенанта к ранее применённой версии.
//
// Условия: цель COMPLETED, не является текущей версией и поддерживает
// откат. При нарушении условий новая запись не создаётся.
//
// Создаётся запись IsRollback=true с payload цели и RollbackFrom на
// текущую версию. В одной транзакции:
//   - текущая версия перечитывается; если её успели сменить, откат
//     завершается ErrState;
//   - для каждой COMPLETED версии, развёрнутой после цели (новые первыми),
//     выполняются RollbackScript её schema-шагов в обратном порядке;
//     записи-откаты пропускаются, их схема уже совпадает с их целью;
//   - artifact_sync и config_update цели применяются заново;
//   - новая запись становится COMPLETED, вытесненные версии — ROLLED_BACK.
//
// При ошибке новая запись FAILED, прежняя текущая не меняется.
func (e *Engine) Rollback(ctx context.Context, targetID uuid.UUID, actor string) (*domain.DeploymentVersion, error) {
	target, current, err := e.rollbackTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	rb := domain.NewDeploymentVersion(
		e.store.TenantID(),
		target.Version,
		fmt.Sprintf("rollback from %s to %s", current.Version, target.Version),
		target.Payload,
	)
	rb.IsRollback = true
	rb.RollbackFrom = &current.ID
	rb.MarkInProgress(actor)
	if err := e.store.CreateVersion(ctx, rb); err != nil {
		return nil, fmt.Errorf("%w: create rollback version: %w", domain.ErrInfrastructure, err)
	}

	log := e.logger.With("version", target.Version, "rollback_from", current.Version)
	log.Info("rolling back")

	var superseded []domain.DeploymentVersion
	err = e.store.InTx(ctx, func(tx tenantstore.Tx) error {
		var err error
		superseded, err = supersededVersions(ctx, tx, target.ID, current.ID)
		if err != nil {
			return err
		}
		for _, v := range superseded {
			if err := undoSchema(ctx, tx, v); err != nil {
				return err
			}
		}

		steps := target.Payload.Steps
		for i := len(steps) - 1; i >= 0; i-- {
			if steps[i].Kind == domain.StepSchemaScript {
				continue
			}
			if err := applyStep(ctx, tx, steps[i], target.Version); err != nil {
				return &domain.StepError{Kind: steps[i].Kind, Name: steps[i].Name, Index: i, Err: err}
			}
		}

		rb.MarkCompleted(e.now())
		if err := tx.TransitionVersion(ctx, rb, domain.VersionStatusInProgress); err != nil {
			return err
		}
		for i := range superseded {
			superseded[i].MarkRolledBack()
			if err := tx.TransitionVersion(ctx, &superseded[i], domain.VersionStatusCompleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return rb, e.fail(ctx, rb, err)
	}

	log.Info("rollback completed", "version_id", rb.ID, "superseded", len(superseded))
	return rb, nil
}

// Version возвращает запись версии.
func (e *Engine) Version(ctx context.Context, id uuid.UUID) (*domain.DeploymentVersion, error) {
	return e.store.GetVersion(ctx, id)
}

// CurrentVersion возвращает текущую версию тенанта или nil.
func (e *Engine) CurrentVersion(ctx context.Context) (*domain.DeploymentVersion, error) {
	current, err := e.store.LatestCompleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: current version: %w", domain.ErrInfrastructure, err)
	}
	return current, nil
}

// CanRollbackTo проверяет, можно ли откатиться к версии.
func (e *Engine) CanRollbackTo(ctx context.Context, versionID uuid.UUID) (bool, error) {
	_, _, err := e.rollbackTarget(ctx, versionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrState):
		return false, nil
	default:
		return false, err
	}
}

// Diff сравнивает payload'ы двух версий по ключам шагов.
func (e *Engine) Diff(ctx context.Context, fromID, toID uuid.UUID) (domain.PayloadDiff, error) {
	from, err := e.store.GetVersion(ctx, fromID)
	if err != nil {
		return domain.PayloadDiff{}, err
	}
	to, err := e.store.GetVersion(ctx, toID)
	if err != nil {
		return domain.PayloadDiff{}, err
	}
	return domain.DiffPayloads(from.Payload, to.Payload), nil
}

// History возвращает историю версий тенанта с отметкой текущей.
func (e *Engine) History(ctx context.Context) (*domain.VersionHistory, error) {
	versions, err := e.store.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list versions: %w", domain.ErrInfrastructure, err)
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	h := &domain.VersionHistory{
		TenantID: e.store.TenantID(),
		Versions: versions,
	}
	if h.Versions == nil {
		h.Versions = []domain.DeploymentVersion{}
	}
	if current != nil {
		h.CurrentID = &current.ID
	}
	return h, nil
}

// rollbackTarget проверяет условия отката и возвращает цель и текущую версию.
func (e *Engine) rollbackTarget(ctx context.Context, targetID uuid.UUID) (target, current *domain.DeploymentVersion, err error) {
	target, err = e.store.GetVersion(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	if target.Status != domain.VersionStatusCompleted {
		return nil, nil, domain.Statef("rollback target %s is %s, expected %s", target.ID, target.Status, domain.VersionStatusCompleted)
	}
	if !target.Payload.RollbackSupported {
		return nil, nil, domain.Statef("version %s does not support rollback", target.Version)
	}

	current, err = e.CurrentVersion(ctx)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, domain.Statef("tenant %s has no current version", e.store.TenantID())
	}
	if current.ID == target.ID {
		return nil, nil, domain.Statef("version %s is already current", target.Version)
	}
	return target, current, nil
}

// fail сохраняет запись в FAILED и возвращает ошибку выполнения.
func (e *Engine) fail(ctx context.Context, v *domain.DeploymentVersion, cause error) error {
	v.MarkFailed(cause.Error())

	// Статус сохраняется даже при отменённом контексте.
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.TransitionVersion(saveCtx, v, domain.VersionStatusInProgress); err != nil {
		e.logger.Error("failed to persist FAILED version", "version_id", v.ID, "error", err)
	}
	e.logger.Warn("version failed", "version", v.Version, "version_id", v.ID, "error", cause)

	if errors.Is(cause, domain.ErrExecution) || errors.Is(cause, domain.ErrState) {
		return cause
	}
	return fmt.Errorf("%w: %w", domain.ErrExecution, cause)
}

// applyStep выполняет шаг прямой миграции.
func applyStep(ctx context.Context, tx tenantstore.Tx, step domain.MigrationStep, version string) error {
	switch step.Kind {
	case domain.StepSchemaScript:
		return tx.ExecSchema(ctx, step.Script)
	case domain.StepArtifactSync:
		if step.Delete {
			return tx.DeleteArtifact(ctx, step.Name)
		}
		return tx.PutArtifact(ctx, artifactFor(step, version))
	case domain.StepConfigUpdate:
		return tx.SetConfig(ctx, step.Name, step.Value)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// supersededVersions перечитывает историю в транзакции и возвращает
// COMPLETED версии, развёрнутые после цели, новые первыми.
// ErrState, если текущая версия или статус цели изменились.
func supersededVersions(ctx context.Context, tx tenantstore.Tx, targetID, currentID uuid.UUID) ([]domain.DeploymentVersion, error) {
	latest, err := tx.LatestCompleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: current version: %w", domain.ErrInfrastructure, err)
	}
	if latest == nil || latest.ID != currentID {
		return nil, domain.Statef("current version changed to %s, expected %s", versionRef(latest), currentID)
	}

	versions, err := tx.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list versions: %w", domain.ErrInfrastructure, err)
	}
	i := slices.IndexFunc(versions, func(v domain.DeploymentVersion) bool { return v.ID == targetID })
	if i < 0 {
		return nil, fmt.Errorf("%w: rollback target %s", domain.ErrNotFound, targetID)
	}
	target := versions[i]
	if target.Status != domain.VersionStatusCompleted || target.DeployedAt == nil {
		return nil, domain.Statef("rollback target %s is %s, expected %s", target.ID, target.Status, domain.VersionStatusCompleted)
	}

	var out []domain.DeploymentVersion
	for _, v := range versions {
		if v.ID == targetID || v.Status != domain.VersionStatusCompleted || v.DeployedAt == nil {
			continue
		}
		if v.ID == currentID || v.DeployedAt.After(*target.DeployedAt) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].DeployedAt.After(*out[b].DeployedAt) })
	return out, nil
}

// undoSchema выполняет RollbackScript schema-шагов версии в обратном порядке.
func undoSchema(ctx context.Context, tx tenantstore.Tx, v domain.DeploymentVersion) error {
	if v.IsRollback {
		return nil
	}
	steps := v.Payload.Steps
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Kind != domain.StepSchemaScript {
			continue
		}
		var err error
		if step.RollbackScript == "" {
			err = errors.New("no rollback script")
		} else {
			err = tx.ExecSchema(ctx, step.RollbackScript)
		}
		if err != nil {
			return fmt.Errorf("undo %s: %w", v.Version, &domain.StepError{Kind: step.Kind, Name: step.Name, Index: i, Err: err})
		}
	}
	return nil
}

func versionRef(v *domain.DeploymentVersion) string {
	if v == nil {
		return "none"
	}
	return v.ID.String()
}

func artifactFor(step domain.MigrationStep, version string) domain.TemplateArtifact {
	return domain.TemplateArtifact{
		Path:            step.Name,
		Content:         step.Content,
		Checksum:        domain.Checksum(step.Content),
		TemplateVersion: version,
		UpdatedAt:       time.Now().UTC(),
	}
}
