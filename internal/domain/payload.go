package domain

import (
	"sort"
	"strconv"
)

// StepKind — вид шага миграции.
type StepKind string

const (
	// StepSchemaScript — SQL-скрипт изменения схемы тенанта.
	StepSchemaScript StepKind = "schema_script"

	// StepArtifactSync — запись или удаление артефакта шаблона.
	StepArtifactSync StepKind = "artifact_sync"

	// StepConfigUpdate — изменение настройки тенанта.
	StepConfigUpdate StepKind = "config_update"
)

// IsValid проверяет, что вид шага известен.
func (k StepKind) IsValid() bool {
	switch k {
	case StepSchemaScript, StepArtifactSync, StepConfigUpdate:
		return true
	default:
		return false
	}
}

// MigrationStep — один шаг миграции.
//
// Поля зависят от Kind:
//   - schema_script:  Script, RollbackScript
//   - artifact_sync:  Content или Delete
//   - config_update:  Value
type MigrationStep struct {
	// Kind — вид шага.
	Kind StepKind `json:"kind"`

	// Name — имя шага, уникальное в пределах вида.
	// Для артефакта это путь, для настройки — ключ.
	Name string `json:"name"`

	Script         string `json:"script,omitempty"`
	RollbackScript string `json:"rollback_script,omitempty"`

	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`

	Value string `json:"value,omitempty"`
}

// Key возвращает ключ шага для сравнения payload'ов.
func (s MigrationStep) Key() string {
	return string(s.Kind) + "/" + s.Name
}

// fingerprint — значение шага для diff.
func (s MigrationStep) fingerprint() string {
	switch s.Kind {
	case StepSchemaScript:
		return s.Script + "\x00" + s.RollbackScript
	case StepArtifactSync:
		if s.Delete {
			return "\x00deleted"
		}
		return s.Content
	default:
		return s.Value
	}
}

// MigrationPayload — полезная нагрузка версии.
type MigrationPayload struct {
	// RollbackSupported — можно ли откатиться к этой версии.
	RollbackSupported bool `json:"rollback_supported"`

	// Steps — шаги в порядке применения.
	Steps []MigrationStep `json:"steps"`
}

// rollbackSupportedKey — ключ флага отката в Entries.
const rollbackSupportedKey = "rollback_supported"

// Validate проверяет payload: известные виды шагов, непустые имена,
// отсутствие дубликатов и наличие скрипта у schema шагов.
func (p MigrationPayload) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if !step.Kind.IsValid() {
			return Validationf("step %d: unknown kind %q", i, step.Kind)
		}
		if step.Name == "" {
			return Validationf("step %d: empty name", i)
		}
		if seen[step.Key()] {
			return Validationf("step %d: duplicate %s", i, step.Key())
		}
		seen[step.Key()] = true

		if step.Kind == StepSchemaScript && step.Script == "" {
			return Validationf("step %d: schema script %q is empty", i, step.Name)
		}
		if p.RollbackSupported && step.Kind == StepSchemaScript && step.RollbackScript == "" {
			return Validationf("step %d: rollback supported but %q has no rollback script", i, step.Name)
		}
	}
	return nil
}

// Entries разворачивает payload в плоскую карту ключ → значение.
func (p MigrationPayload) Entries() map[string]string {
	entries := make(map[string]string, len(p.Steps)+1)
	entries[rollbackSupportedKey] = strconv.FormatBool(p.RollbackSupported)
	for _, step := range p.Steps {
		entries[step.Key()] = step.fingerprint()
	}
	return entries
}

// HasSchemaChanges возвращает true, если в payload есть изменения схемы.
func (p MigrationPayload) HasSchemaChanges() bool {
	for _, step := range p.Steps {
		if step.Kind == StepSchemaScript {
			return true
		}
	}
	return false
}

// PayloadDiff — результат сравнения двух payload'ов.
type PayloadDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// DiffPayloads сравнивает payload'ы по ключам.
//
// Added — ключи, которые есть только в to; Removed — только в from;
// Changed — есть в обоих с разными значениями. Списки отсортированы.
func DiffPayloads(from, to MigrationPayload) PayloadDiff {
	a := from.Entries()
	b := to.Entries()

	diff := PayloadDiff{
		Added:   []string{},
		Removed: []string{},
		Changed: []string{},
	}

	for k, bv := range b {
		av, ok := a[k]
		switch {
		case !ok:
			diff.Added = append(diff.Added, k)
		case av != bv:
			diff.Changed = append(diff.Changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}
