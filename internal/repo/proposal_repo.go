package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Rollout/internal/domain"
)

// ProposalRepo — репозиторий proposals.
type ProposalRepo struct {
	pool *pgxpool.Pool
}

// NewProposalRepo создаёт новый ProposalRepo.
func NewProposalRepo(pool *pgxpool.Pool) *ProposalRepo {
	return &ProposalRepo{pool: pool}
}

const proposalColumns = `
	id, kind, version, release_notes, payload, tenant_id, resolutions,
	status, proposed_by, proposed_at,
	reviewed_by, reviewed_at, review_notes, rejection_reason,
	affected_tenants, risk_level, rollback_plan, scheduled_at, job_id`

// Create сохраняет новый proposal.
func (r *ProposalRepo) Create(ctx context.Context, p *domain.Proposal) error {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resolutionsJSON, err := json.Marshal(orEmptyMap(p.Resolutions))
	if err != nil {
		return fmt.Errorf("marshal resolutions: %w", err)
	}
	affectedJSON, err := json.Marshal(orEmptySlice(p.AffectedTenants))
	if err != nil {
		return fmt.Errorf("marshal affected_tenants: %w", err)
	}

	query := `
		INSERT INTO proposals (
			id, kind, version, release_notes, payload, tenant_id, resolutions,
			status, proposed_by, proposed_at,
			affected_tenants, risk_level, rollback_plan, scheduled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID,
		string(p.Kind),
		p.Version,
		p.ReleaseNotes,
		payloadJSON,
		p.TenantID,
		resolutionsJSON,
		string(p.Status),
		p.ProposedBy,
		p.ProposedAt,
		affectedJSON,
		string(p.RiskLevel),
		p.RollbackPlan,
		p.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetByID возвращает proposal по ID.
func (r *ProposalRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	query := `SELECT` + proposalColumns + ` FROM proposals WHERE id = $1`
	p, err := scanProposal(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// List возвращает proposals по фильтру, новые первыми.
func (r *ProposalRepo) List(ctx context.Context, filter domain.ProposalFilter) ([]domain.Proposal, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.Kind != nil {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argNum))
		args = append(args, string(*filter.Kind))
		argNum++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filter.Status))
	}

	query := `SELECT` + proposalColumns + ` FROM proposals`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY proposed_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// ApproveWithJob в одной транзакции переводит proposal
// PENDING → APPROVED и вставляет созданное задание.
//
// Если proposal уже не PENDING, транзакция откатывается и задание
// не создаётся.
func (r *ProposalRepo) ApproveWithJob(ctx context.Context, p *domain.Proposal, job *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE proposals
		SET status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5,
		    scheduled_at = $6, job_id = $7
		WHERE id = $1 AND status = $8
	`,
		p.ID,
		string(domain.ProposalStatusApproved),
		p.ReviewedBy,
		p.ReviewedAt,
		nullString(p.ReviewNotes),
		p.ScheduledAt,
		job.ID,
		string(domain.ProposalStatusPending),
	)
	if err != nil {
		return fmt.Errorf("approve proposal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.reviewConflict(ctx, tx, p.ID)
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit approval: %w", err)
	}
	return nil
}

// Reject переводит proposal PENDING → REJECTED.
func (r *ProposalRepo) Reject(ctx context.Context, p *domain.Proposal) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE proposals
		SET status = $2, reviewed_by = $3, reviewed_at = $4, rejection_reason = $5
		WHERE id = $1 AND status = $6
	`,
		p.ID,
		string(domain.ProposalStatusRejected),
		p.ReviewedBy,
		p.ReviewedAt,
		p.RejectionReason,
		string(domain.ProposalStatusPending),
	)
	if err != nil {
		return fmt.Errorf("reject proposal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.reviewConflict(ctx, r.pool, p.ID)
	}
	return nil
}

// reviewConflict различает отсутствующий proposal и уже рассмотренный.
func (r *ProposalRepo) reviewConflict(ctx context.Context, q pgQuerier, id uuid.UUID) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM proposals WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get proposal status: %w", err)
	}
	return domain.Statef("proposal %s is %s", id, status)
}

func scanProposal(row pgx.Row) (*domain.Proposal, error) {
	var p domain.Proposal
	var kind, status, risk string
	var payloadJSON, resolutionsJSON, affectedJSON []byte
	var reviewedBy, reviewNotes, rejectionReason *string

	err := row.Scan(
		&p.ID,
		&kind,
		&p.Version,
		&p.ReleaseNotes,
		&payloadJSON,
		&p.TenantID,
		&resolutionsJSON,
		&status,
		&p.ProposedBy,
		&p.ProposedAt,
		&reviewedBy,
		&p.ReviewedAt,
		&reviewNotes,
		&rejectionReason,
		&affectedJSON,
		&risk,
		&p.RollbackPlan,
		&p.ScheduledAt,
		&p.JobID,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = domain.ProposalKind(kind)
	p.Status = domain.ParseProposalStatus(status)
	p.RiskLevel = domain.Severity(risk)
	p.ReviewedBy = deref(reviewedBy)
	p.ReviewNotes = deref(reviewNotes)
	p.RejectionReason = deref(rejectionReason)

	if err := json.Unmarshal(payloadJSON, &p.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(resolutionsJSON, &p.Resolutions); err != nil {
		return nil, fmt.Errorf("unmarshal resolutions: %w", err)
	}
	if err := json.Unmarshal(affectedJSON, &p.AffectedTenants); err != nil {
		return nil, fmt.Errorf("unmarshal affected_tenants: %w", err)
	}
	if len(p.Resolutions) == 0 {
		p.Resolutions = nil
	}
	return &p, nil
}
