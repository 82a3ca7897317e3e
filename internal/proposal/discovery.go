package proposal

import (
	"context"
	"fmt"

	"github.com/shaiso/Rollout/internal/conflict"
	"github.com/shaiso/Rollout/internal/domain"
)

// DiscoverTemplateUpdates создаёт proposal для новейшей мастер-версии.
//
// Возвращает nil, если мастер-версий нет, proposal для этой версии
// уже существует или все тенанты с AutoSync уже на ней.
func (w *Workflow) DiscoverTemplateUpdates(ctx context.Context, actor string) (*domain.Proposal, error) {
	if w.templates == nil {
		return nil, fmt.Errorf("%w: template analyzer is not configured", domain.ErrInfrastructure)
	}

	latest, err := w.templates.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, nil
	}

	kind := domain.ProposalKindTemplateUpdate
	existing, err := w.proposals.List(ctx, domain.ProposalFilter{Kind: &kind})
	if err != nil {
		return nil, fmt.Errorf("%w: list proposals: %w", domain.ErrInfrastructure, err)
	}
	for _, p := range existing {
		if p.Version == latest && !p.IsTenantScoped() {
			w.logger.Debug("template version already proposed", "version", latest, "proposal_id", p.ID)
			return nil, nil
		}
	}

	tenants, err := w.tenants.ListActive(ctx, domain.TenantFilter{AutoSync: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list tenants: %w", domain.ErrInfrastructure, err)
	}
	outdated := 0
	for _, t := range tenants {
		if conflict.IsNewer(latest, t.CurrentTemplateVersion) {
			outdated++
		}
	}
	if outdated == 0 {
		return nil, nil
	}

	w.logger.Info("discovered template update", "version", latest, "outdated_tenants", outdated)
	return w.ProposeTemplateUpdate(ctx, TemplateProposeRequest{
		TemplateVersion: latest,
		ReleaseNotes:    fmt.Sprintf("Master template %s is available for %d tenant(s)", latest, outdated),
		ProposedBy:      actor,
	})
}
