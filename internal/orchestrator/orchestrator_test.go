package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/memstore"
	"github.com/shaiso/Rollout/internal/tenantstore"
	"github.com/shaiso/Rollout/internal/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles ---

type fakeScheduler struct {
	mu        sync.Mutex
	now       []uuid.UUID
	at        map[uuid.UUID]time.Time
	cancelled []string
	err       error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{at: map[uuid.UUID]time.Time{}}
}

func (s *fakeScheduler) SubmitNow(_ context.Context, jobID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.now = append(s.now, jobID)
	return "ref-" + jobID.String(), nil
}

func (s *fakeScheduler) SubmitAt(_ context.Context, jobID uuid.UUID, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.at[jobID] = at
	return "ref-" + jobID.String(), nil
}

func (s *fakeScheduler) Cancel(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, ref)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, ev domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) Events() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.events...)
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSyncer) Sync(_ context.Context, tenant domain.Tenant, _ tenantstore.Store, master string,
	_ map[string]domain.ConflictResolution, _ string) (*domain.ConflictAnalysisReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tenant.ID+"@"+master)
	return &domain.ConflictAnalysisReport{TenantID: tenant.ID, MasterVersion: master}, s.err
}

// --- fixture ---

type fixture struct {
	orch      *Orchestrator
	control   *memstore.ControlPlane
	stores    *memstore.Resolver
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	syncer    *fakeSyncer
}

func newFixture(t *testing.T, parallelism int, tenants ...string) *fixture {
	t.Helper()
	f := &fixture{
		control:   memstore.New(),
		stores:    memstore.NewResolver(),
		scheduler: newFakeScheduler(),
		notifier:  &fakeNotifier{},
		syncer:    &fakeSyncer{},
	}
	for _, id := range tenants {
		require.NoError(t, f.control.Tenants.Upsert(context.Background(), domain.Tenant{
			ID:         id,
			Name:       id,
			IsActive:   true,
			AutoDeploy: true,
			AutoSync:   true,
		}))
	}
	f.orch = New(Config{
		Jobs:        f.control.Jobs,
		Tenants:     f.control.Tenants,
		Stores:      f.stores,
		Scheduler:   f.scheduler,
		Syncer:      f.syncer,
		Notifier:    f.notifier,
		Parallelism: parallelism,
		ExecutorID:  "test-worker",
	})
	return f
}

func payload(table string) domain.MigrationPayload {
	return domain.MigrationPayload{
		RollbackSupported: true,
		Steps: []domain.MigrationStep{
			{
				Kind:           domain.StepSchemaScript,
				Name:           "create_" + table,
				Script:         "CREATE TABLE " + table,
				RollbackScript: "DROP TABLE " + table,
			},
			{Kind: domain.StepConfigUpdate, Name: "release", Value: table},
		},
	}
}

func (f *fixture) globalDeploy(t *testing.T, version string) *domain.Job {
	t.Helper()
	job := domain.NewJob(domain.JobKindDeploy, version, "alice", nil)
	job.Payload = payload("t_" + version)
	require.NoError(t, f.control.Jobs.Create(context.Background(), job))
	return job
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *domain.Job {
	t.Helper()
	job, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	return job
}

// --- ExecuteJob ---

func TestExecuteJob_PartialFailure(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c")
	f.stores.SetUnreachable("b", true)
	job := f.globalDeploy(t, "1.1.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 3, got.TotalTenants)
	assert.Equal(t, 2, got.CompletedTenants)
	assert.Equal(t, []string{"b"}, got.FailedTenants)
	assert.Contains(t, got.TenantErrors["b"], "unreachable")
	assert.Equal(t, "test-worker", got.ExecutedBy)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	a, err := f.control.Tenants.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", a.CurrentVersion)
	assert.NotNil(t, a.LastDeploymentAt)

	b, err := f.control.Tenants.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, b.CurrentVersion)

	assert.Equal(t, []string{"CREATE TABLE t_1.1.0"}, f.stores.Data("c").Schema())
	assert.Zero(t, f.stores.OpenHandles())
}

func TestExecuteJob_ProgressInvariant(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c", "d")
	f.stores.SetUnreachable("c", true)

	var (
		mu    sync.Mutex
		saves []domain.Job
	)
	f.control.Jobs.OnSave = func(j domain.Job) {
		mu.Lock()
		defer mu.Unlock()
		saves = append(saves, j)
	}

	job := f.globalDeploy(t, "2.0.0")
	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, saves)

	terminal := false
	lastProcessed := 0
	for _, s := range saves {
		assert.LessOrEqual(t, s.CompletedTenants+len(s.FailedTenants), s.TotalTenants)
		assert.False(t, terminal, "no writes after a terminal status")
		assert.GreaterOrEqual(t, s.Processed(), lastProcessed, "progress is monotonic")
		lastProcessed = s.Processed()
		terminal = s.Status.IsTerminal()
	}
	assert.True(t, terminal)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, saves[len(saves)-1].Status)
	// create + claim + total + 4 tenants + finish
	assert.Len(t, saves, 8)
}

func TestExecuteJob_AllFailed(t *testing.T) {
	f := newFixture(t, 1, "a", "b")
	f.stores.SetUnreachable("a", true)
	f.stores.SetUnreachable("b", true)
	job := f.globalDeploy(t, "1.0.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.FailedTenants)
	assert.Zero(t, got.CompletedTenants)
}

func TestExecuteJob_NoTenants(t *testing.T) {
	f := newFixture(t, 1)
	job := f.globalDeploy(t, "1.0.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Zero(t, got.TotalTenants)
}

func TestExecuteJob_SkipsInactiveAndManualTenants(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()
	require.NoError(t, f.control.Tenants.Upsert(ctx, domain.Tenant{ID: "off", IsActive: false, AutoDeploy: true}))
	require.NoError(t, f.control.Tenants.Upsert(ctx, domain.Tenant{ID: "manual", IsActive: true, AutoDeploy: false}))
	job := f.globalDeploy(t, "1.0.0")

	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, 1, got.TotalTenants)
	assert.Empty(t, f.stores.Data("off").Schema())
	assert.Empty(t, f.stores.Data("manual").Schema())
}

func TestExecuteJob_Idempotent(t *testing.T) {
	f := newFixture(t, 1, "a", "b")
	job := f.globalDeploy(t, "1.0.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))
	first := f.job(t, job.ID)

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))
	second := f.job(t, job.ID)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Len(t, f.stores.Data("a").Schema(), 1, "second execution does not touch tenants")
	assert.Len(t, f.notifier.Events(), 1)
}

func TestExecuteJob_ConcurrentDelivery(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c")
	job := f.globalDeploy(t, "1.0.0")

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))
		}()
	}
	wg.Wait()

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedTenants)
	for _, id := range []string{"a", "b", "c"} {
		assert.Len(t, f.stores.Data(id).Schema(), 1)
	}
}

func TestExecuteJob_RegistryFailure(t *testing.T) {
	f := newFixture(t, 1, "a")
	f.control.Tenants.FailList = errors.New("registry down")
	job := f.globalDeploy(t, "1.0.0")

	err := f.orch.ExecuteJob(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrInfrastructure)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "registry down")
	assert.Zero(t, got.Processed())
}

func TestExecuteJob_UnknownJob(t *testing.T) {
	f := newFixture(t, 1)
	err := f.orch.ExecuteJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteJob_Parallel(t *testing.T) {
	tenants := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	f := newFixture(t, 3, tenants...)
	f.stores.SetUnreachable("t4", true)
	job := f.globalDeploy(t, "3.0.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 6, got.TotalTenants)
	assert.Equal(t, 5, got.CompletedTenants)
	assert.Equal(t, []string{"t4"}, got.FailedTenants)
	assert.Zero(t, f.stores.OpenHandles())
	assert.Zero(t, f.orch.ActiveJobsCount())
}

func TestExecuteJob_Interrupted(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c")
	job := f.globalDeploy(t, "1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.stores.Data("a").ExecHook = func(string) error {
		cancel()
		return nil
	}

	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Processed())
	assert.Equal(t, domain.ReasonInterrupted, got.TenantErrors["b"])
	assert.Equal(t, domain.ReasonInterrupted, got.TenantErrors["c"])
	assert.Empty(t, f.stores.Data("b").Schema())
	assert.Zero(t, f.stores.OpenHandles())
}

func TestExecuteJob_ResumesAfterLeaseExpiry(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c")
	ctx := context.Background()
	job := f.globalDeploy(t, "1.0.0")

	// Прерванный запуск: успел применить a и b, но записал только a.
	claimed, err := f.control.Jobs.Claim(ctx, job.ID, "dead-worker", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	for _, id := range []string{"a", "b"} {
		store, err := f.stores.Open(ctx, domain.Tenant{ID: id})
		require.NoError(t, err)
		eng := versioning.New(store, nil)
		v, err := eng.CreateVersion(ctx, job.Version, "", job.Payload)
		require.NoError(t, err)
		_, err = eng.Deploy(ctx, v.ID, "alice")
		require.NoError(t, err)
		require.NoError(t, store.Close())
	}
	dead := f.job(t, job.ID)
	dead.TotalTenants = 3
	require.True(t, dead.RecordTenantSuccess("a"))
	require.NoError(t, f.control.Jobs.SaveProgress(ctx, dead))

	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))
	assert.Equal(t, domain.JobStatusInProgress, f.job(t, job.ID).Status, "live lease is not taken over")

	f.orch.now = func() time.Time { return time.Now().UTC().Add(DefaultLease + time.Minute) }
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, "test-worker", got.ExecutedBy)
	assert.Equal(t, 3, got.TotalTenants)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got.SucceededTenants)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, []string{"CREATE TABLE t_1.0.0"}, f.stores.Data(id).Schema(), id)
	}
	assert.Zero(t, f.stores.OpenHandles())
}

func TestExecuteJob_StaleOwnerCannotFinish(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()
	job := f.globalDeploy(t, "1.0.0")

	claimed, err := f.control.Jobs.Claim(ctx, job.ID, "slow-worker", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	stale := f.job(t, job.ID)

	f.orch.now = func() time.Time { return time.Now().UTC().Add(DefaultLease + time.Hour) }
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))
	require.Equal(t, domain.JobStatusCompleted, f.job(t, job.ID).Status)

	stale.TotalTenants = 1
	require.True(t, stale.RecordTenantFailure("a", "late"))
	assert.ErrorIs(t, f.control.Jobs.SaveProgress(ctx, stale), domain.ErrState)
	stale.Finalize()
	assert.ErrorIs(t, f.control.Jobs.Finish(ctx, stale), domain.ErrState)
	assert.Equal(t, domain.JobStatusCompleted, f.job(t, job.ID).Status)
}

// --- scheduling ---

func TestScheduleTenantJob(t *testing.T) {
	f := newFixture(t, 1, "a")
	at := time.Now().Add(time.Hour).UTC()

	job, err := f.orch.ScheduleTenantJob(context.Background(), DeployRequest{
		TenantID:    "a",
		Version:     "1.2.0",
		Payload:     payload("x"),
		ScheduledAt: &at,
		Actor:       "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Equal(t, 1, job.TotalTenants)
	assert.Equal(t, "a", *job.TenantID)
	assert.Equal(t, at, f.scheduler.at[job.ID])
	assert.Empty(t, f.scheduler.now)

	stored := f.job(t, job.ID)
	assert.Equal(t, "ref-"+job.ID.String(), stored.SchedulerRef)
}

func TestScheduleTenantJob_PastTimeRunsNow(t *testing.T) {
	f := newFixture(t, 1, "a")
	past := time.Now().Add(-time.Hour)

	job, err := f.orch.ScheduleTenantJob(context.Background(), DeployRequest{
		TenantID: "a", Version: "1.2.0", Payload: payload("x"), ScheduledAt: &past, Actor: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{job.ID}, f.scheduler.now)
}

func TestScheduleTenantJob_Rejected(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()

	_, err := f.orch.ScheduleTenantJob(ctx, DeployRequest{TenantID: "a", Actor: "alice"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orch.ScheduleTenantJob(ctx, DeployRequest{TenantID: "nobody", Version: "1.0.0", Actor: "alice"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bad := domain.MigrationPayload{Steps: []domain.MigrationStep{{Kind: "shell", Name: "x"}}}
	_, err = f.orch.ScheduleTenantJob(ctx, DeployRequest{TenantID: "a", Version: "1.0.0", Payload: bad, Actor: "alice"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, f.control.CountJobs())
}

func TestSubmit_SchedulerFailure(t *testing.T) {
	f := newFixture(t, 1, "a")
	f.scheduler.err = errors.New("broker unavailable")

	job, err := f.orch.ScheduleTenantJob(context.Background(), DeployRequest{
		TenantID: "a", Version: "1.0.0", Actor: "alice",
	})
	require.ErrorIs(t, err, domain.ErrInfrastructure)
	require.NotNil(t, job)

	stored := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "broker unavailable")
}

func TestScheduleTenantRollback(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()

	eng := versioning.New(f.stores.Data("a").Open(), nil)
	v1, err := eng.CreateVersion(ctx, "1.0.0", "", payload("v1"))
	require.NoError(t, err)
	_, err = eng.Deploy(ctx, v1.ID, "alice")
	require.NoError(t, err)
	v2, err := eng.CreateVersion(ctx, "1.1.0", "", payload("v2"))
	require.NoError(t, err)
	_, err = eng.Deploy(ctx, v2.ID, "alice")
	require.NoError(t, err)

	job, err := f.orch.ScheduleTenantRollback(ctx, RollbackRequest{TenantID: "a", TargetVersionID: v1.ID, Actor: "bob"})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)

	current, err := eng.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.True(t, current.IsRollback)
	assert.Equal(t, "1.0.0", current.Version)

	tenant, err := f.control.Tenants.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", tenant.CurrentVersion)
}

func TestScheduleTenantRollback_TargetIsCurrent(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()

	eng := versioning.New(f.stores.Data("a").Open(), nil)
	v1, err := eng.CreateVersion(ctx, "1.0.0", "", payload("v1"))
	require.NoError(t, err)
	_, err = eng.Deploy(ctx, v1.ID, "alice")
	require.NoError(t, err)

	job, err := f.orch.ScheduleTenantRollback(ctx, RollbackRequest{TenantID: "a", TargetVersionID: v1.ID, Actor: "bob"})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.TenantErrors["a"], "already current")

	history, err := eng.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history.Versions, 1, "failed precondition creates no record")
}

func TestScheduleTenantTemplateSync(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()

	job, err := f.orch.ScheduleTenantTemplateSync(ctx, SyncRequest{
		TenantID:        "a",
		TemplateVersion: "v2.0.0",
		Resolutions:     map[string]domain.ConflictResolution{"layout.html": domain.ResolutionTakeMaster},
		Actor:           "alice",
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got, err := f.orch.SyncStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{"a@v2.0.0"}, f.syncer.calls)

	tenant, err := f.control.Tenants.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", tenant.CurrentTemplateVersion)

	_, err = f.orch.ScheduleTenantTemplateSync(ctx, SyncRequest{
		TenantID: "a", TemplateVersion: "v2.0.0", Actor: "alice",
		Resolutions: map[string]domain.ConflictResolution{"x": "merge"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTemplateSync_PolicyBlockFailsTenant(t *testing.T) {
	f := newFixture(t, 1, "a")
	f.syncer.err = fmt.Errorf("%w: manual review required", domain.ErrPolicy)
	ctx := context.Background()

	job, err := f.orch.ScheduleTenantTemplateSync(ctx, SyncRequest{TenantID: "a", TemplateVersion: "v2.0.0", Actor: "alice"})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.TenantErrors["a"], "blocked by policy")
}

func TestTemplateSync_NotConfigured(t *testing.T) {
	f := newFixture(t, 1, "a")
	f.orch.syncer = nil
	ctx := context.Background()

	job := domain.NewJob(domain.JobKindTemplateSync, "v2.0.0", "alice", nil)
	require.NoError(t, f.control.Jobs.Create(ctx, job))

	err := f.orch.ExecuteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, domain.JobStatusFailed, f.job(t, job.ID).Status)
}

// --- cancel ---

func TestCancel(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	job, err := f.orch.ScheduleTenantJob(ctx, DeployRequest{
		TenantID: "a", Version: "1.0.0", ScheduledAt: &at, Actor: "alice",
	})
	require.NoError(t, err)

	ok, err := f.orch.Cancel(ctx, job.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.Equal(t, "bob", got.CancelledBy)
	assert.Equal(t, []string{"ref-" + job.ID.String()}, f.scheduler.cancelled)

	require.NoError(t, f.orch.ExecuteJob(ctx, job.ID))
	assert.Equal(t, domain.JobStatusCancelled, f.job(t, job.ID).Status)
	assert.Empty(t, f.stores.Data("a").Schema())

	ok, err = f.orch.Cancel(ctx, job.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")
}

func TestCancel_InProgressReturnsFalse(t *testing.T) {
	f := newFixture(t, 1, "a")
	ctx := context.Background()
	job := f.globalDeploy(t, "1.0.0")

	claimed, err := f.control.Jobs.Claim(ctx, job.ID, "other-worker", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := f.orch.Cancel(ctx, job.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.JobStatusInProgress, f.job(t, job.ID).Status)
}

func TestCancelSync_WrongKind(t *testing.T) {
	f := newFixture(t, 1, "a")
	job := f.globalDeploy(t, "1.0.0")

	_, err := f.orch.CancelSync(context.Background(), job.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.JobStatusScheduled, f.job(t, job.ID).Status)
}

// --- reports & notifications ---

func TestReports(t *testing.T) {
	f := newFixture(t, 1, "a", "b")
	f.stores.SetUnreachable("b", true)
	ctx := context.Background()

	partial := f.globalDeploy(t, "1.0.0")
	require.NoError(t, f.orch.ExecuteJob(ctx, partial.ID))

	syncJob, err := f.orch.ScheduleTenantTemplateSync(ctx, SyncRequest{TenantID: "a", TemplateVersion: "v1.0.0", Actor: "alice"})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteJob(ctx, syncJob.ID))

	deploys, err := f.orch.DeploymentReport(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deploys.TotalJobs)
	assert.Equal(t, 1, deploys.ByStatus[domain.JobStatusPartiallyCompleted])
	assert.Equal(t, 1, deploys.TenantsSucceeded)
	assert.Equal(t, 1, deploys.TenantsFailed)
	require.Len(t, deploys.Recent, 1)
	assert.Equal(t, []string{"b"}, deploys.Recent[0].FailedTenants)

	syncs, err := f.orch.SyncReport(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, syncs.TotalJobs)
	assert.Equal(t, 1, syncs.ByStatus[domain.JobStatusCompleted])

	future := time.Now().Add(time.Hour)
	empty, err := f.orch.Report(ctx, ReportFilter{From: &future})
	require.NoError(t, err)
	assert.Zero(t, empty.TotalJobs)
	assert.Empty(t, empty.Recent)
}

func TestExecuteJob_NotifiesOnFinish(t *testing.T) {
	f := newFixture(t, 1, "a")
	job := f.globalDeploy(t, "1.0.0")

	require.NoError(t, f.orch.ExecuteJob(context.Background(), job.ID))

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJobFinished, events[0].Event)
	assert.Equal(t, job.ID.String(), events[0].Attributes["job_id"])
	assert.Equal(t, string(domain.JobStatusCompleted), events[0].Attributes["status"])
}
