package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Rollout/internal/domain"
)

// TenantRepo — реестр тенантов в control plane.
type TenantRepo struct {
	pool *pgxpool.Pool
}

// NewTenantRepo создаёт новый TenantRepo.
func NewTenantRepo(pool *pgxpool.Pool) *TenantRepo {
	return &TenantRepo{pool: pool}
}

const tenantColumns = `
	id, name, is_active, auto_deploy, auto_sync,
	current_version, current_template_version,
	last_deployment_at, last_sync_at,
	connection_descriptor, created_at, updated_at`

// Upsert регистрирует тенанта или обновляет его настройки.
//
// Кэш версий и время последних операций пишут только
// RecordDeployment и RecordSync.
func (r *TenantRepo) Upsert(ctx context.Context, t domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, is_active, auto_deploy, auto_sync,
		                     connection_descriptor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    is_active = EXCLUDED.is_active,
		    auto_deploy = EXCLUDED.auto_deploy,
		    auto_sync = EXCLUDED.auto_sync,
		    connection_descriptor = EXCLUDED.connection_descriptor,
		    updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		t.ID,
		t.Name,
		t.IsActive,
		t.AutoDeploy,
		t.AutoSync,
		t.ConnectionDescriptor,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// Get возвращает тенанта по ID.
func (r *TenantRepo) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM tenants WHERE id = $1`
	t, err := scanTenant(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// List возвращает всех тенантов, включая неактивных.
func (r *TenantRepo) List(ctx context.Context) ([]domain.Tenant, error) {
	return r.list(ctx, `SELECT`+tenantColumns+` FROM tenants ORDER BY id`)
}

// ListActive возвращает активных тенантов, подходящих под фильтр.
func (r *TenantRepo) ListActive(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM tenants
		WHERE is_active
		  AND (NOT $1 OR auto_deploy)
		  AND (NOT $2 OR auto_sync)
		ORDER BY id`
	return r.list(ctx, query, filter.AutoDeploy, filter.AutoSync)
}

func (r *TenantRepo) list(ctx context.Context, query string, args ...any) ([]domain.Tenant, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// RecordDeployment обновляет кэш текущей версии тенанта.
func (r *TenantRepo) RecordDeployment(ctx context.Context, tenantID, version string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE tenants
		SET current_version = $2, last_deployment_at = $3, updated_at = $3
		WHERE id = $1
	`, tenantID, version, at)
	if err != nil {
		return fmt.Errorf("record deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSync обновляет текущую версию шаблона тенанта.
func (r *TenantRepo) RecordSync(ctx context.Context, tenantID, templateVersion string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE tenants
		SET current_template_version = $2, last_sync_at = $3, updated_at = $3
		WHERE id = $1
	`, tenantID, templateVersion, at)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.IsActive,
		&t.AutoDeploy,
		&t.AutoSync,
		&t.CurrentVersion,
		&t.CurrentTemplateVersion,
		&t.LastDeploymentAt,
		&t.LastSyncAt,
		&t.ConnectionDescriptor,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
