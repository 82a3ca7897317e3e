package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore"
)

// Sync обновляет артефакты тенанта до мастер-версии в одной транзакции.
//
// Если анализ требует ручного ревью, а resolutions пусты, синхронизация
// блокируется с ErrPolicy и хранилище не меняется. Конфликтный файл без
// решения остаётся локальным (keep_local); файлы без конфликтов
// берутся из мастера.
//
// Ошибка применения файла возвращается как *domain.StepError вида
// artifact_sync.
func (a *Analyzer) Sync(
	ctx context.Context,
	tenant domain.Tenant,
	store tenantstore.Store,
	master string,
	resolutions map[string]domain.ConflictResolution,
	actor string,
) (*domain.ConflictAnalysisReport, error) {
	for path, r := range resolutions {
		if !r.IsValid() {
			return nil, domain.Validationf("resolution for %s: unknown value %q", path, r)
		}
	}

	manifest, err := a.source.Manifest(ctx, master)
	if err != nil {
		return nil, err
	}
	report, err := analyzeStore(ctx, store, manifest)
	if err != nil {
		return nil, err
	}
	if report.RequiresManualReview && len(resolutions) == 0 {
		return report, fmt.Errorf("%w: tenant %s requires manual review for %s (risk %s)",
			domain.ErrPolicy, tenant.ID, manifest.Version, report.RiskLevel)
	}

	conflicting := make(map[string]bool)
	for _, w := range report.Warnings {
		for _, f := range w.AffectedFiles {
			conflicting[f] = true
		}
	}

	plan := make([]syncAction, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		if conflicting[f.Path] {
			r, ok := resolutions[f.Path]
			if !ok || r == domain.ResolutionKeepLocal {
				continue
			}
		}
		act := syncAction{file: f}
		if f.Change != domain.ChangeDeleted {
			content, err := a.source.ReadFile(ctx, manifest.Version, f.Path)
			if err != nil {
				return report, err
			}
			act.content = content
		}
		plan = append(plan, act)
	}

	log := a.logger.With("tenant_id", tenant.ID, "master", manifest.Version)
	log.Info("syncing template", "files", len(plan), "kept_local", len(manifest.Files)-len(plan), "actor", actor)

	now := time.Now().UTC()
	err = store.InTx(ctx, func(tx tenantstore.Tx) error {
		for i, act := range plan {
			if err := act.apply(ctx, tx, manifest.Version, now); err != nil {
				return &domain.StepError{Kind: domain.StepArtifactSync, Name: act.file.Path, Index: i, Err: err}
			}
		}
		return tx.SetTemplateVersion(ctx, manifest.Version)
	})
	if err != nil {
		log.Warn("template sync failed", "error", err)
		return report, err
	}

	log.Info("template synced")
	return report, nil
}

type syncAction struct {
	file    domain.TemplateFile
	content string
}

func (a syncAction) apply(ctx context.Context, tx tenantstore.Tx, version string, now time.Time) error {
	if a.file.Change == domain.ChangeDeleted {
		return tx.DeleteArtifact(ctx, a.file.Path)
	}
	return tx.PutArtifact(ctx, domain.TemplateArtifact{
		Path:            a.file.Path,
		Content:         a.content,
		Checksum:        domain.Checksum(a.content),
		TemplateVersion: version,
		UpdatedAt:       now,
	})
}
