package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_ProgressNeverExceedsTotal(t *testing.T) {
	job := NewJob(JobKindDeploy, "1.0.0", "alice", nil)
	job.TotalTenants = 2

	if !job.RecordTenantSuccess("a") {
		t.Fatal("first success must be recorded")
	}
	if !job.RecordTenantFailure("b", "boom") {
		t.Fatal("first failure must be recorded")
	}
	if job.RecordTenantSuccess("c") {
		t.Error("success beyond TotalTenants must be rejected")
	}
	if job.RecordTenantFailure("b", "again") {
		t.Error("tenant already failed must not be recorded twice")
	}

	assert.Equal(t, 2, job.Processed())
	assert.Equal(t, "boom", job.TenantErrors["b"])
	assert.Equal(t, []string{"a"}, job.SucceededTenants)
}

func TestJob_OutcomeRecordedOnce(t *testing.T) {
	job := NewJob(JobKindDeploy, "1.0.0", "alice", nil)
	job.TotalTenants = 3

	require.True(t, job.RecordTenantSuccess("a"))
	assert.False(t, job.RecordTenantSuccess("a"), "success is recorded once")
	assert.False(t, job.RecordTenantFailure("a", "late"), "success is not overwritten by failure")

	assert.True(t, job.HasOutcome("a"))
	assert.False(t, job.HasOutcome("b"))
	assert.Equal(t, 1, job.CompletedTenants)
	assert.Empty(t, job.FailedTenants)
}

func TestJob_LeaseExpired(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob(JobKindDeploy, "1.0.0", "alice", nil)
	assert.False(t, job.LeaseExpired(now), "scheduled job has no lease")

	job.MarkInProgress("w1")
	started := now.Add(-10 * time.Minute)
	job.StartedAt = &started
	assert.True(t, job.LeaseExpired(now.Add(-5*time.Minute)), "falls back to StartedAt")

	beat := now.Add(-time.Minute)
	job.HeartbeatAt = &beat
	assert.False(t, job.LeaseExpired(now.Add(-5*time.Minute)))
	assert.True(t, job.LeaseExpired(now))

	cutoff := now.Add(-5 * time.Minute)
	filter := JobFilter{LeaseExpiredBefore: &cutoff}
	assert.False(t, filter.Matches(job))
	job.HeartbeatAt = &started
	assert.True(t, filter.Matches(job))

	job.Finalize()
	assert.False(t, job.LeaseExpired(now), "finished job has no lease")
}

func TestJob_Finalize(t *testing.T) {
	tests := []struct {
		name      string
		succeeded int
		failed    int
		want      JobStatus
	}{
		{"all succeeded", 3, 0, JobStatusCompleted},
		{"some failed", 2, 1, JobStatusPartiallyCompleted},
		{"none succeeded", 0, 3, JobStatusFailed},
		{"no tenants", 0, 0, JobStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(JobKindDeploy, "1.0.0", "alice", nil)
			job.TotalTenants = tt.succeeded + tt.failed
			for i := range tt.succeeded {
				job.RecordTenantSuccess(fmt.Sprintf("ok-%d", i))
			}
			for i := range tt.failed {
				job.RecordTenantFailure(fmt.Sprintf("bad-%d", i), "boom")
			}

			assert.Equal(t, tt.want, job.Finalize())
			assert.True(t, job.IsFinished())
			assert.NotNil(t, job.CompletedAt)
		})
	}
}

func TestNewJob_PastScheduleRunsNow(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	job := NewJob(JobKindDeploy, "1.0.0", "alice", &past)
	assert.False(t, job.IsDeferred(time.Now().Add(time.Second)))

	future := time.Now().Add(time.Hour)
	job = NewJob(JobKindDeploy, "1.0.0", "alice", &future)
	assert.True(t, job.IsDeferred(time.Now()))
	assert.Equal(t, JobStatusScheduled, job.Status)
	assert.True(t, job.IsGlobal())
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed, JobStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusScheduled, JobStatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestProposal_ReviewOnce(t *testing.T) {
	p := NewProposal(ProposalKindDeployment, "1.0.0", "notes", "alice")
	require.True(t, p.CanReview())

	p.Reject("bob", "not now")
	assert.False(t, p.CanReview())
	assert.Equal(t, ProposalStatusRejected, p.Status)
	assert.Equal(t, "not now", p.RejectionReason)
	assert.NotNil(t, p.ReviewedAt)
	assert.Equal(t, JobKindTemplateSync, ProposalKindTemplateUpdate.JobKind())
}

func TestConflictReport_RiskLevel(t *testing.T) {
	r := &ConflictAnalysisReport{RiskLevel: SeverityLow}

	r.AddWarning(ConflictWarning{Severity: SeverityMedium})
	assert.Equal(t, SeverityMedium, r.RiskLevel)
	assert.False(t, r.RequiresManualReview)

	r.AddWarning(ConflictWarning{Severity: SeverityHigh})
	r.AddWarning(ConflictWarning{Severity: SeverityLow})
	assert.Equal(t, SeverityHigh, r.RiskLevel)
	assert.True(t, r.RequiresManualReview)

	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, SeverityHigh))
	assert.True(t, ConflictResolution("keep_local").IsValid())
	assert.False(t, ConflictResolution("merge").IsValid())
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload MigrationPayload
		wantErr bool
	}{
		{"empty", MigrationPayload{}, false},
		{"config", MigrationPayload{Steps: []MigrationStep{{Kind: StepConfigUpdate, Name: "theme", Value: "dark"}}}, false},
		{"unknown kind", MigrationPayload{Steps: []MigrationStep{{Kind: "shell", Name: "x"}}}, true},
		{"empty name", MigrationPayload{Steps: []MigrationStep{{Kind: StepConfigUpdate}}}, true},
		{"duplicate", MigrationPayload{Steps: []MigrationStep{
			{Kind: StepConfigUpdate, Name: "a"}, {Kind: StepConfigUpdate, Name: "a"},
		}}, true},
		{"schema without script", MigrationPayload{Steps: []MigrationStep{{Kind: StepSchemaScript, Name: "t"}}}, true},
		{"rollback without restore", MigrationPayload{RollbackSupported: true, Steps: []MigrationStep{
			{Kind: StepSchemaScript, Name: "t", Script: "CREATE TABLE t (id int)"},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiffPayloads_AntiSymmetric(t *testing.T) {
	from := MigrationPayload{Steps: []MigrationStep{
		{Kind: StepConfigUpdate, Name: "theme", Value: "light"},
		{Kind: StepArtifactSync, Name: "header.html", Content: "h"},
	}}
	to := MigrationPayload{RollbackSupported: true, Steps: []MigrationStep{
		{Kind: StepConfigUpdate, Name: "theme", Value: "dark"},
		{Kind: StepArtifactSync, Name: "footer.html", Content: "f"},
	}}

	forward := DiffPayloads(from, to)
	backward := DiffPayloads(to, from)

	assert.Equal(t, []string{"artifact_sync/footer.html"}, forward.Added)
	assert.Equal(t, []string{"artifact_sync/header.html"}, forward.Removed)
	assert.Equal(t, []string{"config_update/theme", "rollback_supported"}, forward.Changed)
	assert.Equal(t, forward.Added, backward.Removed)
	assert.Equal(t, forward.Removed, backward.Added)
	assert.Equal(t, forward.Changed, backward.Changed)

	same := DiffPayloads(from, from)
	assert.Empty(t, same.Added)
	assert.Empty(t, same.Removed)
	assert.Empty(t, same.Changed)
}

func TestStepError_IsExecution(t *testing.T) {
	cause := errors.New("syntax error")
	err := fmt.Errorf("deploy: %w", &StepError{Kind: StepSchemaScript, Name: "t", Index: 0, Err: cause})

	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "schema_script")

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "t", stepErr.Name)
}

func TestErrorHelpers(t *testing.T) {
	assert.ErrorIs(t, Validationf("bad %s", "input"), ErrValidation)
	assert.ErrorIs(t, Statef("job %d", 1), ErrState)
	assert.EqualError(t, Statef("job %d", 1), "invalid state: job 1")
}

func TestTenantFilter(t *testing.T) {
	active := &Tenant{ID: "a", IsActive: true, AutoDeploy: true}
	inactive := &Tenant{ID: "b", IsActive: false, AutoDeploy: true, AutoSync: true}

	deploy := FilterFor(JobKindDeploy)
	assert.True(t, deploy.Matches(active))
	assert.False(t, deploy.Matches(inactive))
	assert.False(t, FilterFor(JobKindTemplateSync).Matches(active))
}
