// Package conflict сравнивает кастомизации тенантов с мастер-шаблоном.
//
// Analyzer отвечает за:
//   - Поиск доступных мастер-версий (semver-сортировка)
//   - Предпросмотр обновления по всем тенантам с AutoSync
//   - Анализ конфликтов одного тенанта
//   - Транзакционную синхронизацию артефактов с учётом решений по конфликтам
//
// Важность конфликта зависит от типа изменения в мастере:
//
//	удалён кастомизированный файл          → CRITICAL
//	breaking-изменение кастомизированного  → HIGH
//	изменение кастомизированного           → MEDIUM
//	добавлен файл поверх локального        → MEDIUM
//	стилевое изменение кастомизированного  → LOW
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 4

// TemplateSource — каталог мастер-версий шаблона.
type TemplateSource interface {
	ListVersions(ctx context.Context) ([]string, error)
	Manifest(ctx context.Context, version string) (*domain.TemplateManifest, error)
	ReadFile(ctx context.Context, version, path string) (string, error)
}

// Tenants — чтение реестра тенантов.
type Tenants interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	ListActive(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error)
}

// Analyzer — анализатор конфликтов шаблона.
type Analyzer struct {
	source      TemplateSource
	tenants     Tenants
	stores      tenantstore.Resolver
	parallelism int
	logger      *slog.Logger
}

// Config — конфигурация Analyzer.
type Config struct {
	Source  TemplateSource
	Tenants Tenants
	Stores  tenantstore.Resolver

	// Parallelism — сколько тенантов анализируется одновременно
	// в PreviewUpdate (default: 4).
	Parallelism int

	Logger *slog.Logger
}

// New создаёт Analyzer.
func New(cfg Config) *Analyzer {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		source:      cfg.Source,
		tenants:     cfg.Tenants,
		stores:      cfg.Stores,
		parallelism: parallelism,
		logger:      logger,
	}
}

// DetectAvailableVersions возвращает мастер-версии по возрастанию semver.
// Метки, которые не являются semver, пропускаются.
func (a *Analyzer) DetectAvailableVersions(ctx context.Context) ([]string, error) {
	all, err := a.source.ListVersions(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(all))
	for _, v := range all {
		if !semver.IsValid(canonical(v)) {
			a.logger.Warn("skipping non-semver template version", "version", v)
			continue
		}
		versions = append(versions, v)
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return semver.Compare(canonical(versions[i]), canonical(versions[j])) < 0
	})
	return versions, nil
}

// LatestVersion возвращает самую новую мастер-версию или "".
func (a *Analyzer) LatestVersion(ctx context.Context) (string, error) {
	versions, err := a.DetectAvailableVersions(ctx)
	if err != nil || len(versions) == 0 {
		return "", err
	}
	return versions[len(versions)-1], nil
}

// IsNewer сравнивает две метки версий шаблона как semver.
// Пустая или некорректная base считается старше любой версии.
func IsNewer(version, base string) bool {
	if !semver.IsValid(canonical(base)) {
		return semver.IsValid(canonical(version))
	}
	return semver.Compare(canonical(version), canonical(base)) > 0
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// PreviewUpdate показывает, что изменится при обновлении до master,
// и какие конфликты возникнут у активных тенантов с AutoSync.
//
// Ошибка анализа одного тенанта не прерывает предпросмотр:
// она попадает в поле Error отчёта этого тенанта.
func (a *Analyzer) PreviewUpdate(ctx context.Context, master string) (*domain.UpdatePreview, error) {
	manifest, err := a.source.Manifest(ctx, master)
	if err != nil {
		return nil, err
	}
	tenants, err := a.tenants.ListActive(ctx, domain.TenantFilter{AutoSync: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list tenants: %w", domain.ErrInfrastructure, err)
	}

	preview := &domain.UpdatePreview{
		MasterVersion:   manifest.Version,
		ChangedFiles:    orEmpty(manifest.FilesByChange(domain.ChangeModified, domain.ChangeStyle)),
		AddedFiles:      orEmpty(manifest.FilesByChange(domain.ChangeAdded)),
		DeletedFiles:    orEmpty(manifest.FilesByChange(domain.ChangeDeleted)),
		BreakingChanges: orEmpty(manifest.BreakingChanges),
		Conflicts:       make([]domain.ConflictAnalysisReport, len(tenants)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i := range tenants {
		g.Go(func() error {
			report, err := a.analyzeTenant(gctx, tenants[i], manifest)
			if err != nil {
				report = &domain.ConflictAnalysisReport{
					TenantID:      tenants[i].ID,
					MasterVersion: manifest.Version,
					Warnings:      []domain.ConflictWarning{},
					RiskLevel:     domain.SeverityLow,
					Error:         err.Error(),
					AnalyzedAt:    time.Now().UTC(),
				}
			}
			mu.Lock()
			preview.Conflicts[i] = *report
			if report.RequiresManualReview {
				preview.RequiresManualReview = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return preview, nil
}

// AnalyzeConflicts анализирует конфликты одного тенанта с мастер-версией.
func (a *Analyzer) AnalyzeConflicts(ctx context.Context, tenantID, master string) (*domain.ConflictAnalysisReport, error) {
	tenant, err := a.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	manifest, err := a.source.Manifest(ctx, master)
	if err != nil {
		return nil, err
	}
	return a.analyzeTenant(ctx, *tenant, manifest)
}

func (a *Analyzer) analyzeTenant(ctx context.Context, tenant domain.Tenant, manifest *domain.TemplateManifest) (*domain.ConflictAnalysisReport, error) {
	store, err := a.stores.Open(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return analyzeStore(ctx, store, manifest)
}

func analyzeStore(ctx context.Context, store tenantstore.Store, manifest *domain.TemplateManifest) (*domain.ConflictAnalysisReport, error) {
	artifacts, err := store.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %w", domain.ErrInfrastructure, err)
	}
	current, err := store.TemplateVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: template version: %w", domain.ErrInfrastructure, err)
	}
	return Analyze(store.TenantID(), current, manifest, artifacts), nil
}

// Analyze сравнивает артефакты тенанта с манифестом мастер-версии.
//
// На каждый конфликтный файл приходится одно предупреждение.
// Файлы без локальной кастомизации конфликтов не дают,
// кроме добавленных мастером файлов, которые уже существуют у тенанта.
func Analyze(tenantID, current string, manifest *domain.TemplateManifest, artifacts []domain.TemplateArtifact) *domain.ConflictAnalysisReport {
	local := make(map[string]domain.TemplateArtifact, len(artifacts))
	for _, art := range artifacts {
		local[art.Path] = art
	}

	report := &domain.ConflictAnalysisReport{
		TenantID:       tenantID,
		CurrentVersion: current,
		MasterVersion:  manifest.Version,
		Warnings:       []domain.ConflictWarning{},
		RiskLevel:      domain.SeverityLow,
		AnalyzedAt:     time.Now().UTC(),
	}

	for _, f := range manifest.Files {
		art, exists := local[f.Path]
		if !exists {
			continue
		}

		w := domain.ConflictWarning{
			TenantID:      tenantID,
			AffectedFiles: []string{f.Path},
		}
		switch {
		case f.Change == domain.ChangeAdded:
			w.Type = domain.ConflictLocalCollision
			w.Severity = domain.SeverityMedium
			w.Description = fmt.Sprintf("master adds %s which already exists locally", f.Path)
		case !art.Customized:
			continue
		case f.Change == domain.ChangeDeleted:
			w.Type = domain.ConflictCustomizedDeleted
			w.Severity = domain.SeverityCritical
			w.Description = fmt.Sprintf("master deletes customized %s", f.Path)
		case f.Change == domain.ChangeModified && f.Breaking:
			w.Type = domain.ConflictCustomizedModified
			w.Severity = domain.SeverityHigh
			w.Description = fmt.Sprintf("breaking change to customized %s", f.Path)
		case f.Change == domain.ChangeModified:
			w.Type = domain.ConflictCustomizedModified
			w.Severity = domain.SeverityMedium
			w.Description = fmt.Sprintf("master modifies customized %s", f.Path)
		case f.Change == domain.ChangeStyle:
			w.Type = domain.ConflictCustomizedRestyled
			w.Severity = domain.SeverityLow
			w.Description = fmt.Sprintf("style change to customized %s", f.Path)
		default:
			continue
		}
		report.AddWarning(w)
	}
	return report
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
