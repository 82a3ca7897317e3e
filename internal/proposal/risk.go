package proposal

import (
	"fmt"
	"strings"

	"github.com/shaiso/Rollout/internal/domain"
)

// AssessRisk оценивает риск payload:
//
//	необратимое изменение схемы → HIGH
//	изменение схемы             → MEDIUM
//	остальное                   → LOW
func AssessRisk(p domain.MigrationPayload) domain.Severity {
	if !p.HasSchemaChanges() {
		return domain.SeverityLow
	}
	if !p.RollbackSupported {
		return domain.SeverityHigh
	}
	for _, s := range p.Steps {
		if s.Kind == domain.StepSchemaScript && s.RollbackScript == "" {
			return domain.SeverityHigh
		}
	}
	return domain.SeverityMedium
}

// RollbackPlan описывает откат payload в порядке выполнения.
func RollbackPlan(p domain.MigrationPayload) string {
	if !p.RollbackSupported {
		return "Rollback is not supported for this version: restore tenant stores from backup."
	}
	if len(p.Steps) == 0 {
		return "Nothing to roll back."
	}

	var b strings.Builder
	b.WriteString("Roll back to the previous version; restore actions run in reverse order:")
	n := 1
	for i := len(p.Steps) - 1; i >= 0; i-- {
		s := p.Steps[i]
		switch s.Kind {
		case domain.StepSchemaScript:
			fmt.Fprintf(&b, "\n%d. run rollback script of %s", n, s.Name)
		case domain.StepArtifactSync:
			fmt.Fprintf(&b, "\n%d. restore artifact %s", n, s.Name)
		case domain.StepConfigUpdate:
			fmt.Fprintf(&b, "\n%d. restore setting %s", n, s.Name)
		}
		n++
	}
	return b.String()
}
