package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из API, CLI не импортирует internal/*) ---

// ProposalResponse — proposal из API.
type ProposalResponse struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Version         string   `json:"version"`
	ReleaseNotes    string   `json:"release_notes,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	Status          string   `json:"status"`
	ProposedBy      string   `json:"proposed_by"`
	ProposedAt      string   `json:"proposed_at"`
	ReviewedBy      string   `json:"reviewed_by,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	AffectedTenants []string `json:"affected_tenants"`
	RiskLevel       string   `json:"risk_level"`
	RollbackPlan    string   `json:"rollback_plan,omitempty"`
	ScheduledAt     string   `json:"scheduled_at,omitempty"`
	JobID           string   `json:"job_id,omitempty"`
}

// JobResponse — задание из API.
type JobResponse struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	TenantID         string            `json:"tenant_id,omitempty"`
	Version          string            `json:"version"`
	Status           string            `json:"status"`
	ScheduledAt      string            `json:"scheduled_at"`
	StartedAt        string            `json:"started_at,omitempty"`
	CompletedAt      string            `json:"completed_at,omitempty"`
	ScheduledBy      string            `json:"scheduled_by"`
	TotalTenants     int               `json:"total_tenants"`
	CompletedTenants int               `json:"completed_tenants"`
	FailedTenants    []string          `json:"failed_tenants"`
	TenantErrors     map[string]string `json:"tenant_errors,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// ApproveResponse — результат approve.
type ApproveResponse struct {
	ProposalID string `json:"proposal_id"`
	JobID      string `json:"job_id"`
}

// CancelResponse — результат отмены.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// ReportResponse — отчёт по заданиям.
type ReportResponse struct {
	TotalJobs        int            `json:"total_jobs"`
	ByStatus         map[string]int `json:"by_status"`
	TenantsSucceeded int            `json:"tenants_succeeded"`
	TenantsFailed    int            `json:"tenants_failed"`
	Recent           []JobResponse  `json:"recent"`
}

// TenantResponse — тенант из API.
type TenantResponse struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	IsActive               bool   `json:"is_active"`
	AutoDeploy             bool   `json:"auto_deploy"`
	AutoSync               bool   `json:"auto_sync"`
	CurrentVersion         string `json:"current_version,omitempty"`
	CurrentTemplateVersion string `json:"current_template_version,omitempty"`
	LastDeploymentAt       string `json:"last_deployment_at,omitempty"`
	LastSyncAt             string `json:"last_sync_at,omitempty"`
}

// ConflictWarning — предупреждение анализа конфликтов.
type ConflictWarning struct {
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	Severity      string   `json:"severity"`
	AffectedFiles []string `json:"affected_files"`
}

// ConflictReport — анализ конфликтов тенанта.
type ConflictReport struct {
	TenantID             string            `json:"tenant_id"`
	CurrentVersion       string            `json:"current_version,omitempty"`
	MasterVersion        string            `json:"master_version"`
	Warnings             []ConflictWarning `json:"warnings"`
	RiskLevel            string            `json:"risk_level"`
	RequiresManualReview bool              `json:"requires_manual_review"`
	Error                string            `json:"error,omitempty"`
}

// PreviewResponse — предпросмотр мастер-версии.
type PreviewResponse struct {
	MasterVersion        string           `json:"master_version"`
	ChangedFiles         []string         `json:"changed_files"`
	AddedFiles           []string         `json:"added_files"`
	DeletedFiles         []string         `json:"deleted_files"`
	BreakingChanges      []string         `json:"breaking_changes"`
	Conflicts            []ConflictReport `json:"conflicts"`
	RequiresManualReview bool             `json:"requires_manual_review"`
}

// VersionResponse — запись версии тенанта.
type VersionResponse struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	ReleasedAt string `json:"released_at"`
	DeployedAt string `json:"deployed_at,omitempty"`
	DeployedBy string `json:"deployed_by,omitempty"`
	IsRollback bool   `json:"is_rollback"`
	Error      string `json:"error,omitempty"`
}

// HistoryResponse — история версий тенанта.
type HistoryResponse struct {
	TenantID  string            `json:"tenant_id"`
	CurrentID string            `json:"current_id,omitempty"`
	Versions  []VersionResponse `json:"versions"`
}

// DiffResponse — сравнение двух версий.
type DiffResponse struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// --- Request types ---

// ProposeRequest — proposal развёртывания.
type ProposeRequest struct {
	Version      string          `json:"version"`
	ReleaseNotes string          `json:"release_notes,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TenantID     *string         `json:"tenant_id,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
}

// TemplateProposeRequest — proposal обновления шаблона.
type TemplateProposeRequest struct {
	TemplateVersion string            `json:"template_version"`
	ReleaseNotes    string            `json:"release_notes,omitempty"`
	TenantID        *string           `json:"tenant_id,omitempty"`
	Resolutions     map[string]string `json:"resolutions,omitempty"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty"`
}

// ReviewRequest — тело approve.
type ReviewRequest struct {
	Notes       string     `json:"notes,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// DeployRequest — развёртывание у тенанта.
type DeployRequest struct {
	Version     string          `json:"version"`
	Notes       string          `json:"notes,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// RollbackRequest — откат тенанта.
type RollbackRequest struct {
	TargetVersionID string     `json:"target_version_id"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
}

// SyncRequest — синхронизация шаблона тенанта.
type SyncRequest struct {
	TemplateVersion string            `json:"template_version"`
	Resolutions     map[string]string `json:"resolutions,omitempty"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty"`
}

// TenantRequest — регистрация тенанта.
type TenantRequest struct {
	Name                 string `json:"name"`
	IsActive             *bool  `json:"is_active,omitempty"`
	AutoDeploy           bool   `json:"auto_deploy"`
	AutoSync             bool   `json:"auto_sync"`
	ConnectionDescriptor string `json:"connection_descriptor"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

type approveCall func(ctx context.Context, id string, req ReviewRequest) (*ApproveResponse, error)

// Client — HTTP-клиент для Rollout API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. actor отправляется в X-Actor.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: baseURL,
		actor:   actor,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Proposals ---

// Propose создаёт proposal развёртывания.
func (c *Client) Propose(ctx context.Context, req ProposeRequest) (*ProposalResponse, error) {
	var p ProposalResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals", req, &p)
	return &p, err
}

// ListPending возвращает proposals, ожидающие ревью.
func (c *Client) ListPending(ctx context.Context) ([]ProposalResponse, error) {
	var ps []ProposalResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals", nil, &ps)
	return ps, err
}

// GetProposal возвращает proposal.
func (c *Client) GetProposal(ctx context.Context, id string) (*ProposalResponse, error) {
	var p ProposalResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals/"+url.PathEscape(id), nil, &p)
	return &p, err
}

// Approve одобряет proposal.
func (c *Client) Approve(ctx context.Context, id string, req ReviewRequest) (*ApproveResponse, error) {
	var r ApproveResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(id)+"/approve", req, &r)
	return &r, err
}

// Reject отклоняет proposal.
func (c *Client) Reject(ctx context.Context, id, reason string) (*ProposalResponse, error) {
	var p ProposalResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(id)+"/reject", map[string]string{"reason": reason}, &p)
	return &p, err
}

// --- Jobs ---

// JobStatus возвращает задание.
func (c *Client) JobStatus(ctx context.Context, id string) (*JobResponse, error) {
	var j JobResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &j)
	return &j, err
}

// CancelJob отменяет задание.
func (c *Client) CancelJob(ctx context.Context, id string) (*CancelResponse, error) {
	var r CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &r)
	return &r, err
}

// SyncStatus возвращает задание template_sync.
func (c *Client) SyncStatus(ctx context.Context, id string) (*JobResponse, error) {
	var j JobResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/syncs/"+url.PathEscape(id), nil, &j)
	return &j, err
}

// CancelSync отменяет синхронизацию.
func (c *Client) CancelSync(ctx context.Context, id string) (*CancelResponse, error) {
	var r CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/syncs/"+url.PathEscape(id)+"/cancel", nil, &r)
	return &r, err
}

// Report возвращает отчёт: kind — deployments или syncs.
func (c *Client) Report(ctx context.Context, kind string, from, to *time.Time) (*ReportResponse, error) {
	params := url.Values{}
	if from != nil {
		params.Set("from", from.Format(time.RFC3339))
	}
	if to != nil {
		params.Set("to", to.Format(time.RFC3339))
	}
	path := "/api/v1/reports/" + kind
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var r ReportResponse
	err := c.do(ctx, http.MethodGet, path, nil, &r)
	return &r, err
}

// --- Tenants ---

// ListTenants возвращает все тенанты.
func (c *Client) ListTenants(ctx context.Context) ([]TenantResponse, error) {
	var ts []TenantResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/tenants", nil, &ts)
	return ts, err
}

// GetTenant возвращает тенанта.
func (c *Client) GetTenant(ctx context.Context, id string) (*TenantResponse, error) {
	var t TenantResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(id), nil, &t)
	return &t, err
}

// PutTenant регистрирует или обновляет тенанта.
func (c *Client) PutTenant(ctx context.Context, id string, req TenantRequest) (*TenantResponse, error) {
	var t TenantResponse
	err := c.do(ctx, http.MethodPut, "/api/v1/tenants/"+url.PathEscape(id), req, &t)
	return &t, err
}

// Deploy планирует развёртывание у тенанта.
func (c *Client) Deploy(ctx context.Context, tenantID string, req DeployRequest) (*JobResponse, error) {
	var j JobResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/deployments", req, &j)
	return &j, err
}

// Rollback планирует откат тенанта.
func (c *Client) Rollback(ctx context.Context, tenantID string, req RollbackRequest) (*JobResponse, error) {
	var j JobResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/rollbacks", req, &j)
	return &j, err
}

// Sync планирует синхронизацию шаблона тенанта.
func (c *Client) Sync(ctx context.Context, tenantID string, req SyncRequest) (*JobResponse, error) {
	var j JobResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/syncs", req, &j)
	return &j, err
}

// History возвращает историю версий тенанта.
func (c *Client) History(ctx context.Context, tenantID string) (*HistoryResponse, error) {
	var h HistoryResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/versions", nil, &h)
	return &h, err
}

// Diff сравнивает две версии тенанта.
func (c *Client) Diff(ctx context.Context, tenantID, from, to string) (*DiffResponse, error) {
	params := url.Values{"from": {from}, "to": {to}}
	var d DiffResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/versions/diff?"+params.Encode(), nil, &d)
	return &d, err
}

// --- Templates ---

// TemplateVersions возвращает доступные мастер-версии.
func (c *Client) TemplateVersions(ctx context.Context) ([]string, error) {
	var vs []string
	err := c.do(ctx, http.MethodGet, "/api/v1/templates/versions", nil, &vs)
	return vs, err
}

// Preview — анализ мастер-версии по всем тенантам.
func (c *Client) Preview(ctx context.Context, version string) (*PreviewResponse, error) {
	var p PreviewResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/templates/versions/"+url.PathEscape(version)+"/preview", nil, &p)
	return &p, err
}

// Conflicts — анализ конфликтов одного тенанта.
func (c *Client) Conflicts(ctx context.Context, tenantID, version string) (*ConflictReport, error) {
	params := url.Values{"template_version": {version}}
	var r ConflictReport
	err := c.do(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/conflicts?"+params.Encode(), nil, &r)
	return &r, err
}

// ProposeTemplate создаёт proposal обновления шаблона.
func (c *Client) ProposeTemplate(ctx context.Context, req TemplateProposeRequest) (*ProposalResponse, error) {
	var p ProposalResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/templates/proposals", req, &p)
	return &p, err
}

// ApproveTemplate одобряет proposal обновления шаблона.
func (c *Client) ApproveTemplate(ctx context.Context, id string, req ReviewRequest) (*ApproveResponse, error) {
	var r ApproveResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/templates/proposals/"+url.PathEscape(id)+"/approve", req, &r)
	return &r, err
}

// --- HTTP helpers ---

// do выполняет запрос и распаковывает поле data ответа в result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
