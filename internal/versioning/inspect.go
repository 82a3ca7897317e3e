package versioning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore"
)

// TenantGetter находит тенанта в реестре.
type TenantGetter interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// Inspector читает историю версий тенанта по его ID.
// Хранилище открывается на время одного вызова.
type Inspector struct {
	tenants TenantGetter
	stores  tenantstore.Resolver
	logger  *slog.Logger
}

// NewInspector создаёт Inspector.
func NewInspector(tenants TenantGetter, stores tenantstore.Resolver, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{tenants: tenants, stores: stores, logger: logger}
}

// History возвращает историю версий тенанта.
func (i *Inspector) History(ctx context.Context, tenantID string) (*domain.VersionHistory, error) {
	var h *domain.VersionHistory
	err := i.withEngine(ctx, tenantID, func(e *Engine) error {
		var err error
		h, err = e.History(ctx)
		return err
	})
	return h, err
}

// Diff сравнивает две версии тенанта.
func (i *Inspector) Diff(ctx context.Context, tenantID string, fromID, toID uuid.UUID) (domain.PayloadDiff, error) {
	var d domain.PayloadDiff
	err := i.withEngine(ctx, tenantID, func(e *Engine) error {
		var err error
		d, err = e.Diff(ctx, fromID, toID)
		return err
	})
	return d, err
}

func (i *Inspector) withEngine(ctx context.Context, tenantID string, fn func(e *Engine) error) error {
	tenant, err := i.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	store, err := i.stores.Open(ctx, *tenant)
	if err != nil {
		return fmt.Errorf("%w: open tenant store: %w", domain.ErrInfrastructure, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			i.logger.Warn("close tenant store", "tenant_id", tenantID, "error", err)
		}
	}()
	return fn(New(store, i.logger))
}
