package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// ControlPlane — реестр тенантов, задания и proposals в памяти.
//
// Все три хранилища разделяют один mutex, поэтому одобрение proposal
// вместе с созданием задания атомарно, как транзакция в Postgres.
type ControlPlane struct {
	Tenants   *Registry
	Jobs      *JobStore
	Proposals *ProposalStore
}

type db struct {
	mu        sync.Mutex
	tenants   map[string]domain.Tenant
	jobs      map[uuid.UUID]domain.Job
	proposals map[uuid.UUID]domain.Proposal
}

// New создаёт пустой ControlPlane.
func New() *ControlPlane {
	d := &db{
		tenants:   map[string]domain.Tenant{},
		jobs:      map[uuid.UUID]domain.Job{},
		proposals: map[uuid.UUID]domain.Proposal{},
	}
	return &ControlPlane{
		Tenants:   &Registry{db: d},
		Jobs:      &JobStore{db: d},
		Proposals: &ProposalStore{db: d},
	}
}

// --- Registry ---

// Registry — реестр тенантов.
type Registry struct {
	db *db

	// FailList, если задан, возвращается из ListActive и Get.
	FailList error
}

// Upsert регистрирует или обновляет тенанта.
func (r *Registry) Upsert(_ context.Context, t domain.Tenant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.db.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	r.db.tenants[t.ID] = t
	return nil
}

func (r *Registry) Get(_ context.Context, id string) (*domain.Tenant, error) {
	if r.FailList != nil {
		return nil, r.FailList
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *Registry) List(_ context.Context) ([]domain.Tenant, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tenants := slices.Collect(maps.Values(r.db.tenants))
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

func (r *Registry) ListActive(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	if r.FailList != nil {
		return nil, r.FailList
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Tenant
	for i := range all {
		if filter.Matches(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (r *Registry) RecordDeployment(_ context.Context, tenantID, version string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tenants[tenantID]
	if !ok {
		return domain.ErrNotFound
	}
	t.CurrentVersion = version
	t.LastDeploymentAt = &at
	t.UpdatedAt = at
	r.db.tenants[tenantID] = t
	return nil
}

func (r *Registry) RecordSync(_ context.Context, tenantID, templateVersion string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tenants[tenantID]
	if !ok {
		return domain.ErrNotFound
	}
	t.CurrentTemplateVersion = templateVersion
	t.LastSyncAt = &at
	t.UpdatedAt = at
	r.db.tenants[tenantID] = t
	return nil
}

// --- JobStore ---

// JobStore — хранилище заданий.
type JobStore struct {
	db *db

	// OnSave вызывается с копией задания после каждой записи.
	OnSave func(domain.Job)
}

func (s *JobStore) Create(_ context.Context, job *domain.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.jobs[job.ID] = copyJob(*job)
	s.saved(job)
	return nil
}

func (s *JobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := copyJob(j)
	return &out, nil
}

func (s *JobStore) Claim(_ context.Context, id uuid.UUID, executor string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.Status != domain.JobStatusScheduled {
		return false, nil
	}
	j.Status = domain.JobStatusInProgress
	j.StartedAt = &at
	j.HeartbeatAt = &at
	j.ExecutedBy = executor
	s.db.jobs[id] = j
	s.saved(&j)
	return true, nil
}

func (s *JobStore) Reclaim(_ context.Context, id uuid.UUID, executor string, at, staleBefore time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !j.LeaseExpired(staleBefore) {
		return false, nil
	}
	j.ExecutedBy = executor
	j.HeartbeatAt = &at
	s.db.jobs[id] = j
	s.saved(&j)
	return true, nil
}

func (s *JobStore) Heartbeat(_ context.Context, id uuid.UUID, executor string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, err := s.leased(id, executor)
	if err != nil {
		return err
	}
	j.HeartbeatAt = &at
	s.db.jobs[id] = j
	return nil
}

func (s *JobStore) SaveProgress(_ context.Context, job *domain.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, err := s.leased(job.ID, job.ExecutedBy)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.TotalTenants = job.TotalTenants
	j.CompletedTenants = job.CompletedTenants
	j.SucceededTenants = slices.Clone(job.SucceededTenants)
	j.FailedTenants = slices.Clone(job.FailedTenants)
	j.TenantErrors = maps.Clone(job.TenantErrors)
	s.db.jobs[job.ID] = j
	s.saved(&j)
	return nil
}

func (s *JobStore) Finish(_ context.Context, job *domain.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return domain.Statef("job %s is already %s", job.ID, j.Status)
	}
	if j.Status == domain.JobStatusInProgress && j.ExecutedBy != job.ExecutedBy {
		return domain.Statef("job %s is %s by %s", job.ID, j.Status, j.ExecutedBy)
	}
	next := copyJob(*job)
	if next.SchedulerRef == "" {
		next.SchedulerRef = j.SchedulerRef
	}
	s.db.jobs[job.ID] = next
	s.saved(&next)
	return nil
}

func (s *JobStore) CancelScheduled(_ context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.Status != domain.JobStatusScheduled {
		return false, nil
	}
	j.Status = domain.JobStatusCancelled
	j.CancelledBy = by
	j.CompletedAt = &at
	s.db.jobs[id] = j
	s.saved(&j)
	return true, nil
}

func (s *JobStore) SetSchedulerRef(_ context.Context, id uuid.UUID, ref string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.SchedulerRef = ref
	s.db.jobs[id] = j
	return nil
}

func (s *JobStore) List(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var jobs []domain.Job
	for _, j := range s.db.jobs {
		if filter.Matches(&j) {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ScheduledAt.After(jobs[k].ScheduledAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// leased возвращает IN_PROGRESS задание, арендованное executor.
func (s *JobStore) leased(id uuid.UUID, executor string) (domain.Job, error) {
	j, ok := s.db.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status != domain.JobStatusInProgress || j.ExecutedBy != executor {
		return domain.Job{}, domain.Statef("job %s is %s by %s", id, j.Status, j.ExecutedBy)
	}
	return j, nil
}

func (s *JobStore) saved(job *domain.Job) {
	if s.OnSave != nil {
		s.OnSave(copyJob(*job))
	}
}

func copyJob(j domain.Job) domain.Job {
	j.SucceededTenants = slices.Clone(j.SucceededTenants)
	j.FailedTenants = slices.Clone(j.FailedTenants)
	j.TenantErrors = maps.Clone(j.TenantErrors)
	j.Metadata = maps.Clone(j.Metadata)
	j.Resolutions = maps.Clone(j.Resolutions)
	j.Payload.Steps = slices.Clone(j.Payload.Steps)
	return j
}

// --- ProposalStore ---

// ProposalStore — хранилище proposals.
type ProposalStore struct {
	db *db
}

func (s *ProposalStore) Create(_ context.Context, p *domain.Proposal) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.proposals[p.ID] = copyProposal(*p)
	return nil
}

func (s *ProposalStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Proposal, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.proposals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := copyProposal(p)
	return &out, nil
}

func (s *ProposalStore) List(_ context.Context, filter domain.ProposalFilter) ([]domain.Proposal, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []domain.Proposal
	for _, p := range s.db.proposals {
		if filter.Matches(&p) {
			out = append(out, copyProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.After(out[j].ProposedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ApproveWithJob атомарно переводит PENDING proposal в APPROVED
// и сохраняет созданное задание.
func (s *ProposalStore) ApproveWithJob(_ context.Context, p *domain.Proposal, job *domain.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.proposals[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != domain.ProposalStatusPending {
		return domain.Statef("proposal %s is %s", p.ID, stored.Status)
	}
	s.db.proposals[p.ID] = copyProposal(*p)
	s.db.jobs[job.ID] = copyJob(*job)
	return nil
}

func (s *ProposalStore) Reject(_ context.Context, p *domain.Proposal) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.proposals[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != domain.ProposalStatusPending {
		return domain.Statef("proposal %s is %s", p.ID, stored.Status)
	}
	s.db.proposals[p.ID] = copyProposal(*p)
	return nil
}

// CountJobs возвращает число заданий; используется в тестах.
func (cp *ControlPlane) CountJobs() int {
	cp.Jobs.db.mu.Lock()
	defer cp.Jobs.db.mu.Unlock()
	return len(cp.Jobs.db.jobs)
}

func copyProposal(p domain.Proposal) domain.Proposal {
	p.AffectedTenants = slices.Clone(p.AffectedTenants)
	p.Resolutions = maps.Clone(p.Resolutions)
	p.Payload.Steps = slices.Clone(p.Payload.Steps)
	return p
}
