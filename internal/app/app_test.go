package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Rollout/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "v1.0.0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.0.0", "manifest.yaml"), []byte("files: []\n"), 0o644))

	t.Setenv("STORAGE", config.StorageMemory)
	t.Setenv("SCHEDULER_BACKEND", config.BackendLocal)
	t.Setenv("TEMPLATE_DIR", dir)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := New(ctx, memoryConfig(t), config.ServiceAPI, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Actor", "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	data, _ := out["data"].(map[string]any)
	return resp.StatusCode, data
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := memoryConfig(t)
	_, err := New(context.Background(), cfg, config.ServiceWorker, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE=memory")
}

func TestNew_MemoryWiring(t *testing.T) {
	a := newMemoryApp(t)

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.MQ)
	assert.Nil(t, a.Temporal)
	assert.Nil(t, a.Durable)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Workflow)
	assert.NotNil(t, a.Versions)

	versions, err := a.Analyzer.DetectAvailableVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0.0"}, versions)
}

func TestAPIHandler_ApprovedProposalRunsOnLocalScheduler(t *testing.T) {
	a := newMemoryApp(t)
	srv := httptest.NewServer(a.APIHandler())
	t.Cleanup(srv.Close)

	status, _ := call(t, srv, http.MethodPut, "/api/v1/tenants/acme", map[string]any{
		"name": "Acme", "auto_deploy": true, "connection_descriptor": "memory://acme",
	})
	require.Equal(t, http.StatusOK, status)

	status, p := call(t, srv, http.MethodPost, "/api/v1/proposals", map[string]any{
		"version": "1.0.0",
		"payload": map[string]any{
			"steps": []map[string]any{{"kind": "config_update", "name": "theme", "value": "dark"}},
		},
	})
	require.Equal(t, http.StatusCreated, status)

	status, approved := call(t, srv, http.MethodPost, "/api/v1/proposals/"+p["id"].(string)+"/approve", map[string]any{})
	require.Equal(t, http.StatusAccepted, status)
	jobID := approved["job_id"].(string)

	require.Eventually(t, func() bool {
		_, job := call(t, srv, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
		return job["status"] == "COMPLETED"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthzAndMetrics(t *testing.T) {
	a := newMemoryApp(t)
	srv := httptest.NewServer(a.Mux())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "ok "))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServeStopsOnContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })

	serveErr := make(chan error, 1)
	go func() { serveErr <- serveListener(ctx, ln, mux, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestServePortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = Serve(context.Background(), ln.Addr().String(), http.NewServeMux(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
