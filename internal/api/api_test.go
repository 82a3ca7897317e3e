package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/conflict"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/memstore"
	"github.com/shaiso/Rollout/internal/orchestrator"
	"github.com/shaiso/Rollout/internal/proposal"
	"github.com/shaiso/Rollout/internal/templates"
	"github.com/shaiso/Rollout/internal/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScheduler struct {
	mu        sync.Mutex
	submitted []uuid.UUID
}

func (s *stubScheduler) SubmitNow(_ context.Context, jobID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, jobID)
	return "stub:" + jobID.String(), nil
}

func (s *stubScheduler) SubmitAt(ctx context.Context, jobID uuid.UUID, _ time.Time) (string, error) {
	return s.SubmitNow(ctx, jobID)
}

func (s *stubScheduler) Cancel(context.Context, string) error { return nil }

type testServer struct {
	srv     *httptest.Server
	control *memstore.ControlPlane
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	control := memstore.New()
	stores := memstore.NewResolver()
	require.NoError(t, control.Tenants.Upsert(ctx, domain.Tenant{
		ID: "acme", Name: "Acme", IsActive: true, AutoDeploy: true, AutoSync: true,
		ConnectionDescriptor: "memory://acme",
	}))
	stores.Data("acme").SeedTemplateVersion("v1.0.0")

	source := templates.NewFSSource(fstest.MapFS{
		"v1.0.0/manifest.yaml": {Data: []byte("files: []\n")},
		"v1.1.0/manifest.yaml": {Data: []byte("files:\n  - path: footer.html\n    change: added\n")},
		"v1.1.0/footer.html":   {Data: []byte("footer")},
	})
	analyzer := conflict.New(conflict.Config{Source: source, Tenants: control.Tenants, Stores: stores})

	orch := orchestrator.New(orchestrator.Config{
		Jobs:      control.Jobs,
		Tenants:   control.Tenants,
		Stores:    stores,
		Scheduler: &stubScheduler{},
		Syncer:    analyzer,
	})
	wf := proposal.New(proposal.Config{
		Proposals: control.Proposals,
		Tenants:   control.Tenants,
		Submitter: orch,
		Templates: analyzer,
	})

	h := NewHandler(Config{
		Proposals: wf,
		Jobs:      orch,
		Templates: analyzer,
		Tenants:   control.Tenants,
		Versions:  versioning.NewInspector(control.Tenants, stores, nil),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, control: control}
}

func (ts *testServer) do(t *testing.T, method, path, actor string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func data(out map[string]any) map[string]any {
	d, _ := out["data"].(map[string]any)
	return d
}

func TestProposalLifecycle(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodPost, "/api/v1/proposals", "", map[string]any{"version": "1.0.0"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(out))

	status, out = ts.do(t, http.MethodPost, "/api/v1/proposals", "alice", map[string]any{
		"version":       "1.0.0",
		"release_notes": "first",
		"payload": map[string]any{
			"steps": []map[string]any{{"kind": "config_update", "name": "theme", "value": "dark"}},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	proposalID := data(out)["id"].(string)
	assert.Equal(t, "alice", data(out)["proposed_by"])
	assert.Equal(t, "PENDING", data(out)["status"])

	status, out = ts.do(t, http.MethodGet, "/api/v1/proposals", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["total"])

	status, out = ts.do(t, http.MethodPost, "/api/v1/proposals/"+proposalID+"/approve", "bob", ReviewRequest{Notes: "ok"})
	require.Equal(t, http.StatusAccepted, status)
	jobID := data(out)["job_id"].(string)

	status, out = ts.do(t, http.MethodPost, "/api/v1/proposals/"+proposalID+"/approve", "bob", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INVALID_STATE", errorCode(out))
	assert.Equal(t, 1, ts.control.CountJobs())

	status, out = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SCHEDULED", data(out)["status"])
	assert.Equal(t, "deploy", data(out)["kind"])

	status, out = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", "carol", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, data(out)["cancelled"])

	status, out = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", "carol", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, data(out)["cancelled"])
}

func TestRejectProposal(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodPost, "/api/v1/proposals", "alice", map[string]any{"version": "2.0.0"})
	require.Equal(t, http.StatusCreated, status)
	id := data(out)["id"].(string)

	status, out = ts.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/reject", "bob", RejectRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(out))

	status, out = ts.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/reject", "bob", RejectRequest{Reason: "not now"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "REJECTED", data(out)["status"])

	status, _ = ts.do(t, http.MethodPost, "/api/v1/proposals/"+id+"/approve", "bob", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(out))

	status, out = ts.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(out))

	status, _ = ts.do(t, http.MethodPost, "/api/v1/tenants/ghost/deployments", "alice", DeployRequest{Version: "1.0.0"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodGet, "/api/v1/reports/deployments?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTenantScopedJobs(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodPost, "/api/v1/tenants/acme/syncs", "alice", SyncRequest{TemplateVersion: "v1.1.0"})
	require.Equal(t, http.StatusAccepted, status)
	syncID := data(out)["id"].(string)
	assert.Equal(t, "template_sync", data(out)["kind"])

	status, out = ts.do(t, http.MethodGet, "/api/v1/syncs/"+syncID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acme", data(out)["tenant_id"])

	status, out = ts.do(t, http.MethodPost, "/api/v1/tenants/acme/deployments", "alice", DeployRequest{Version: "1.0.0"})
	require.Equal(t, http.StatusAccepted, status)
	deployID := data(out)["id"].(string)

	// Задание deploy не является синхронизацией.
	status, _ = ts.do(t, http.MethodGet, "/api/v1/syncs/"+deployID, "", nil)
	assert.NotEqual(t, http.StatusOK, status)

	status, out = ts.do(t, http.MethodGet, "/api/v1/reports/syncs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, data(out)["total_jobs"])
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodGet, "/api/v1/templates/versions", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"v1.0.0", "v1.1.0"}, out["data"])

	status, out = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/conflicts", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(out))

	status, _ = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/conflicts?template_version=v1.1.0", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, out = ts.do(t, http.MethodPost, "/api/v1/templates/proposals", "alice", map[string]any{"template_version": "v1.1.0"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "template_update", data(out)["kind"])
}

func TestTenants(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodPut, "/api/v1/tenants/globex", "admin", TenantRequest{Name: "Globex"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errorCode(out))

	status, out = ts.do(t, http.MethodPut, "/api/v1/tenants/globex", "admin", TenantRequest{
		Name:                 "Globex",
		AutoDeploy:           true,
		ConnectionDescriptor: "sqlite:///var/lib/rollout/globex.db",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, data(out)["is_active"])
	assert.NotContains(t, data(out), "connection_descriptor")

	status, out = ts.do(t, http.MethodGet, "/api/v1/tenants", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, out["total"])

	status, out = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/versions", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acme", data(out)["tenant_id"])

	status, _ = ts.do(t, http.MethodGet, "/api/v1/tenants/acme/versions/diff?from=x&to=y", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   ErrorCode
	}{
		{domain.Validationf("bad"), http.StatusBadRequest, ErrCodeValidation},
		{domain.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{domain.Statef("done"), http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{domain.ErrPolicy, http.StatusConflict, ErrCodePolicy},
		{domain.ErrInfrastructure, http.StatusInternalServerError, ErrCodeInternalError},
	}
	h := NewHandler(Config{})
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		if !HandleError(rec, h.logger, tt.err) {
			t.Fatalf("HandleError(%v) = false", tt.err)
		}
		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		if resp.Error.Code != tt.code {
			t.Errorf("%v: code = %s, want %s", tt.err, resp.Error.Code, tt.code)
		}
	}

	if HandleError(httptest.NewRecorder(), h.logger, nil) {
		t.Error("HandleError(nil) = true")
	}
}

func TestRecovery(t *testing.T) {
	h := NewHandler(Config{})
	handler := Chain(Recovery(h.logger), Actor())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestActorMiddleware(t *testing.T) {
	var got string
	handler := Actor()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "  alice ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "alice" {
		t.Errorf("actor = %q, want alice", got)
	}
}
