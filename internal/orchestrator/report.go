package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

const defaultRecentJobs = 20

// ReportFilter — выборка заданий для отчёта.
type ReportFilter struct {
	Kinds []domain.JobKind
	From  *time.Time
	To    *time.Time

	// Recent — сколько последних заданий включить в отчёт (default: 20).
	Recent int
}

// Report — сводка по заданиям.
type Report struct {
	TotalJobs        int                      `json:"total_jobs"`
	ByStatus         map[domain.JobStatus]int `json:"by_status"`
	TenantsSucceeded int                      `json:"tenants_succeeded"`
	TenantsFailed    int                      `json:"tenants_failed"`
	Recent           []JobSummary             `json:"recent"`
}

// JobSummary — краткое описание задания в отчёте.
type JobSummary struct {
	ID            uuid.UUID        `json:"id"`
	Kind          domain.JobKind   `json:"kind"`
	Version       string           `json:"version"`
	TenantID      *string          `json:"tenant_id,omitempty"`
	Status        domain.JobStatus `json:"status"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Total         int              `json:"total"`
	Completed     int              `json:"completed"`
	FailedTenants []string         `json:"failed_tenants"`
}

// Report строит сводку по заданиям из выборки.
func (o *Orchestrator) Report(ctx context.Context, filter ReportFilter) (*Report, error) {
	jobs, err := o.jobs.List(ctx, domain.JobFilter{
		Kinds: filter.Kinds,
		From:  filter.From,
		To:    filter.To,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %w", domain.ErrInfrastructure, err)
	}

	recent := filter.Recent
	if recent <= 0 {
		recent = defaultRecentJobs
	}

	r := &Report{
		TotalJobs: len(jobs),
		ByStatus:  map[domain.JobStatus]int{},
		Recent:    []JobSummary{},
	}
	// List возвращает новые задания первыми.
	for i := range jobs {
		j := &jobs[i]
		r.ByStatus[j.Status]++
		r.TenantsSucceeded += j.CompletedTenants
		r.TenantsFailed += len(j.FailedTenants)
		if len(r.Recent) < recent {
			r.Recent = append(r.Recent, summarize(j))
		}
	}
	return r, nil
}

// DeploymentReport — отчёт по заданиям deploy и rollback.
func (o *Orchestrator) DeploymentReport(ctx context.Context, from, to *time.Time) (*Report, error) {
	return o.Report(ctx, ReportFilter{
		Kinds: []domain.JobKind{domain.JobKindDeploy, domain.JobKindRollback},
		From:  from,
		To:    to,
	})
}

// SyncReport — отчёт по заданиям template_sync.
func (o *Orchestrator) SyncReport(ctx context.Context, from, to *time.Time) (*Report, error) {
	return o.Report(ctx, ReportFilter{
		Kinds: []domain.JobKind{domain.JobKindTemplateSync},
		From:  from,
		To:    to,
	})
}

func summarize(j *domain.Job) JobSummary {
	failed := j.FailedTenants
	if failed == nil {
		failed = []string{}
	}
	return JobSummary{
		ID:            j.ID,
		Kind:          j.Kind,
		Version:       j.Version,
		TenantID:      j.TenantID,
		Status:        j.Status,
		ScheduledAt:   j.ScheduledAt,
		CompletedAt:   j.CompletedAt,
		Total:         j.TotalTenants,
		Completed:     j.CompletedTenants,
		FailedTenants: failed,
	}
}
