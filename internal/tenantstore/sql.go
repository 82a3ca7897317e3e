package tenantstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// querier — общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore — Store поверх database/sql (Postgres или SQLite).
//
// Запросы используют плейсхолдеры $N и ON CONFLICT,
// которые понимают оба драйвера. Время хранится в наносекундах UTC.
type SQLStore struct {
	db       *sql.DB
	tenantID string

	// lockQuery выполняется первым в каждой транзакции InTx.
	lockQuery string
}

// NewSQLStore оборачивает уже мигрированную базу тенанта.
func NewSQLStore(db *sql.DB, tenantID string) *SQLStore {
	return &SQLStore{db: db, tenantID: tenantID}
}

func (s *SQLStore) TenantID() string {
	return s.tenantID
}

// Close закрывает соединение с базой тенанта.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) CreateVersion(ctx context.Context, v *domain.DeploymentVersion) error {
	payloadJSON, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO deployment_versions (
			id, version, release_notes, payload, status, released_at,
			deployed_at, deployed_by, is_rollback, rollback_from, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		v.ID.String(),
		v.Version,
		v.ReleaseNotes,
		string(payloadJSON),
		string(v.Status),
		toNanos(v.ReleasedAt),
		nullNanos(v.DeployedAt),
		v.DeployedBy,
		boolInt(v.IsRollback),
		nullUUID(v.RollbackFrom),
		v.Error,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *SQLStore) GetVersion(ctx context.Context, id uuid.UUID) (*domain.DeploymentVersion, error) {
	query := versionColumns + ` FROM deployment_versions WHERE id = $1`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		return nil, err
	}
	v.TenantID = s.tenantID
	return v, nil
}

func (s *SQLStore) TransitionVersion(ctx context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error {
	return transitionVersion(ctx, s.db, v, from)
}

func (s *SQLStore) ListVersions(ctx context.Context) ([]domain.DeploymentVersion, error) {
	return listVersions(ctx, s.db, s.tenantID)
}

func (s *SQLStore) LatestCompleted(ctx context.Context) (*domain.DeploymentVersion, error) {
	return latestCompleted(ctx, s.db, s.tenantID)
}

func (s *SQLStore) ListArtifacts(ctx context.Context) ([]domain.TemplateArtifact, error) {
	query := `
		SELECT path, content, checksum, customized, template_version, updated_at
		FROM template_artifacts
		ORDER BY path
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.TemplateArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func (s *SQLStore) Setting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM tenant_settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

func (s *SQLStore) TemplateVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM template_state WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get template version: %w", err)
	}
	return version, nil
}

// InTx выполняет fn в транзакции; при ошибке fn делает rollback.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if s.lockQuery != "" {
		if _, err := tx.ExecContext(ctx, s.lockQuery); err != nil {
			return fmt.Errorf("lock tenant store: %w", err)
		}
	}
	if err := fn(&sqlTx{tx: tx, tenantID: s.tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlTx — Tx поверх *sql.Tx.
type sqlTx struct {
	tx       *sql.Tx
	tenantID string
}

func (t *sqlTx) ExecSchema(ctx context.Context, script string) error {
	if _, err := t.tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec schema script: %w", err)
	}
	return nil
}

func (t *sqlTx) PutArtifact(ctx context.Context, a domain.TemplateArtifact) error {
	query := `
		INSERT INTO template_artifacts (path, content, checksum, customized, template_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (path) DO UPDATE SET
			content = excluded.content,
			checksum = excluded.checksum,
			customized = excluded.customized,
			template_version = excluded.template_version,
			updated_at = excluded.updated_at
	`
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, query,
		a.Path,
		a.Content,
		a.Checksum,
		boolInt(a.Customized),
		a.TemplateVersion,
		toNanos(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.Path, err)
	}
	return nil
}

func (t *sqlTx) DeleteArtifact(ctx context.Context, path string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM template_artifacts WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete artifact %s: %w", path, err)
	}
	return nil
}

func (t *sqlTx) GetArtifact(ctx context.Context, path string) (*domain.TemplateArtifact, error) {
	query := `
		SELECT path, content, checksum, customized, template_version, updated_at
		FROM template_artifacts
		WHERE path = $1
	`
	return scanArtifact(t.tx.QueryRowContext(ctx, query, path))
}

func (t *sqlTx) SetConfig(ctx context.Context, name, value string) error {
	query := `
		INSERT INTO tenant_settings (name, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := t.tx.ExecContext(ctx, query, name, value, toNanos(time.Now())); err != nil {
		return fmt.Errorf("set config %s: %w", name, err)
	}
	return nil
}

func (t *sqlTx) SetTemplateVersion(ctx context.Context, version string) error {
	query := `
		INSERT INTO template_state (id, version, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	if _, err := t.tx.ExecContext(ctx, query, version, toNanos(time.Now())); err != nil {
		return fmt.Errorf("set template version: %w", err)
	}
	return nil
}

func (t *sqlTx) LatestCompleted(ctx context.Context) (*domain.DeploymentVersion, error) {
	return latestCompleted(ctx, t.tx, t.tenantID)
}

func (t *sqlTx) ListVersions(ctx context.Context) ([]domain.DeploymentVersion, error) {
	return listVersions(ctx, t.tx, t.tenantID)
}

func (t *sqlTx) TransitionVersion(ctx context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error {
	return transitionVersion(ctx, t.tx, v, from)
}

// --- Вспомогательные функции ---

const versionColumns = `
	SELECT id, version, release_notes, payload, status, released_at,
	       deployed_at, deployed_by, is_rollback, rollback_from, error`

func listVersions(ctx context.Context, q querier, tenantID string) ([]domain.DeploymentVersion, error) {
	query := versionColumns + ` FROM deployment_versions ORDER BY released_at DESC`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.DeploymentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		v.TenantID = tenantID
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func latestCompleted(ctx context.Context, q querier, tenantID string) (*domain.DeploymentVersion, error) {
	query := versionColumns + `
		FROM deployment_versions
		WHERE status = $1 AND deployed_at IS NOT NULL
		ORDER BY deployed_at DESC, released_at DESC
		LIMIT 1
	`
	v, err := scanVersion(q.QueryRowContext(ctx, query, string(domain.VersionStatusCompleted)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.TenantID = tenantID
	return v, nil
}

// transitionVersion — compare-and-set статуса: UPDATE срабатывает,
// только если запись всё ещё в статусе from.
func transitionVersion(ctx context.Context, q querier, v *domain.DeploymentVersion, from domain.VersionStatus) error {
	query := `
		UPDATE deployment_versions
		SET status = $2, deployed_at = $3, deployed_by = $4, error = $5
		WHERE id = $1 AND status = $6
	`
	result, err := q.ExecContext(ctx, query,
		v.ID.String(),
		string(v.Status),
		nullNanos(v.DeployedAt),
		v.DeployedBy,
		v.Error,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM deployment_versions WHERE id = $1`, v.ID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: version %s", domain.ErrNotFound, v.ID)
	}
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	return domain.Statef("version %s is %s, expected %s", v.ID, status, from)
}

// rowScanner — общее подмножество *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*domain.DeploymentVersion, error) {
	var (
		v            domain.DeploymentVersion
		id           string
		payloadJSON  string
		status       string
		releasedAt   int64
		deployedAt   sql.NullInt64
		isRollback   int64
		rollbackFrom sql.NullString
	)
	err := row.Scan(
		&id,
		&v.Version,
		&v.ReleaseNotes,
		&payloadJSON,
		&status,
		&releasedAt,
		&deployedAt,
		&v.DeployedBy,
		&isRollback,
		&rollbackFrom,
		&v.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}

	if v.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse version id: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &v.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	v.Status = domain.ParseVersionStatus(status)
	v.ReleasedAt = fromNanos(releasedAt)
	if deployedAt.Valid {
		t := fromNanos(deployedAt.Int64)
		v.DeployedAt = &t
	}
	v.IsRollback = isRollback != 0
	if rollbackFrom.Valid && rollbackFrom.String != "" {
		from, err := uuid.Parse(rollbackFrom.String)
		if err != nil {
			return nil, fmt.Errorf("parse rollback_from: %w", err)
		}
		v.RollbackFrom = &from
	}
	return &v, nil
}

func scanArtifact(row rowScanner) (*domain.TemplateArtifact, error) {
	var (
		a          domain.TemplateArtifact
		customized int64
		updatedAt  int64
	)
	err := row.Scan(&a.Path, &a.Content, &a.Checksum, &customized, &a.TemplateVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.Customized = customized != 0
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
