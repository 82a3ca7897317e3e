package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Severity — важность конфликта.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank возвращает порядковый номер важности для сравнения.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast проверяет, что важность не ниже other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity возвращает наибольшую из важностей.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ConflictType — тип конфликта между кастомизацией тенанта и мастер-шаблоном.
type ConflictType string

const (
	ConflictCustomizedDeleted  ConflictType = "customized_file_deleted"
	ConflictCustomizedModified ConflictType = "customized_file_modified"
	ConflictCustomizedRestyled ConflictType = "customized_file_restyled"
	ConflictLocalCollision     ConflictType = "local_file_collision"
)

// ConflictWarning — одно предупреждение о конфликте.
type ConflictWarning struct {
	TenantID      string       `json:"tenant_id"`
	Type          ConflictType `json:"type"`
	Description   string       `json:"description"`
	Severity      Severity     `json:"severity"`
	AffectedFiles []string     `json:"affected_files"`
}

// ConflictAnalysisReport — результат анализа конфликтов для тенанта.
type ConflictAnalysisReport struct {
	TenantID             string            `json:"tenant_id"`
	CurrentVersion       string            `json:"current_version,omitempty"`
	MasterVersion        string            `json:"master_version"`
	Warnings             []ConflictWarning `json:"warnings"`
	RiskLevel            Severity          `json:"risk_level"`
	RequiresManualReview bool              `json:"requires_manual_review"`
	Error                string            `json:"error,omitempty"`
	AnalyzedAt           time.Time         `json:"analyzed_at"`
}

// AddWarning добавляет предупреждение и пересчитывает риск.
func (r *ConflictAnalysisReport) AddWarning(w ConflictWarning) {
	r.Warnings = append(r.Warnings, w)
	r.RiskLevel = MaxSeverity(r.RiskLevel, w.Severity)
	if w.Severity.AtLeast(SeverityHigh) {
		r.RequiresManualReview = true
	}
}

// ConflictResolution — решение по конфликтному файлу.
type ConflictResolution string

const (
	// ResolutionKeepLocal — оставить версию тенанта.
	ResolutionKeepLocal ConflictResolution = "keep_local"

	// ResolutionTakeMaster — перезаписать мастер-версией.
	ResolutionTakeMaster ConflictResolution = "take_master"
)

// IsValid проверяет, что решение известно.
func (r ConflictResolution) IsValid() bool {
	return r == ResolutionKeepLocal || r == ResolutionTakeMaster
}

// TemplateChange — тип изменения файла в мастер-шаблоне.
type TemplateChange string

const (
	ChangeAdded    TemplateChange = "added"
	ChangeModified TemplateChange = "modified"
	ChangeDeleted  TemplateChange = "deleted"
	ChangeStyle    TemplateChange = "style"
)

// TemplateFile — запись манифеста мастер-шаблона.
type TemplateFile struct {
	Path     string         `json:"path" yaml:"path"`
	Change   TemplateChange `json:"change" yaml:"change"`
	Breaking bool           `json:"breaking,omitempty" yaml:"breaking,omitempty"`
	Checksum string         `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// TemplateManifest — описание мастер-версии шаблона (manifest.yaml).
type TemplateManifest struct {
	Version         string         `json:"version" yaml:"version"`
	BaseVersion     string         `json:"base_version,omitempty" yaml:"base_version,omitempty"`
	ReleaseNotes    string         `json:"release_notes,omitempty" yaml:"release_notes,omitempty"`
	Files           []TemplateFile `json:"files" yaml:"files"`
	BreakingChanges []string       `json:"breaking_changes,omitempty" yaml:"breaking_changes,omitempty"`
}

// FilesByChange возвращает пути файлов с указанными типами изменений.
func (m *TemplateManifest) FilesByChange(changes ...TemplateChange) []string {
	var paths []string
	for _, f := range m.Files {
		for _, c := range changes {
			if f.Change == c {
				paths = append(paths, f.Path)
				break
			}
		}
	}
	return paths
}

// TemplateArtifact — файл шаблона в хранилище тенанта.
type TemplateArtifact struct {
	Path            string    `json:"path"`
	Content         string    `json:"content,omitempty"`
	Checksum        string    `json:"checksum"`
	Customized      bool      `json:"customized"`
	TemplateVersion string    `json:"template_version,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UpdatePreview — предпросмотр обновления шаблона до мастер-версии.
type UpdatePreview struct {
	MasterVersion        string                   `json:"master_version"`
	ChangedFiles         []string                 `json:"changed_files"`
	AddedFiles           []string                 `json:"added_files"`
	DeletedFiles         []string                 `json:"deleted_files"`
	BreakingChanges      []string                 `json:"breaking_changes"`
	Conflicts            []ConflictAnalysisReport `json:"conflicts"`
	RequiresManualReview bool                     `json:"requires_manual_review"`
}

// Checksum возвращает sha256 содержимого артефакта.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
