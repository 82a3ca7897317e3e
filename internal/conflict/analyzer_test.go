package conflict

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/memstore"
	"github.com/shaiso/Rollout/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestV2 = `
version: v2.0.0
base_version: v1.0.0
files:
  - path: layout.html
    change: modified
    breaking: true
  - path: header.html
    change: modified
  - path: theme.css
    change: style
  - path: legacy.html
    change: deleted
  - path: footer.html
    change: added
breaking_changes:
  - layout slots renamed
`

func masterFS() fstest.MapFS {
	return fstest.MapFS{
		"v1.0.0/manifest.yaml": {Data: []byte("files: []\n")},
		"v2.0.0/manifest.yaml": {Data: []byte(manifestV2)},
		"v2.0.0/layout.html":   {Data: []byte("master layout")},
		"v2.0.0/header.html":   {Data: []byte("master header")},
		"v2.0.0/theme.css":     {Data: []byte("master theme")},
		"v2.0.0/footer.html":   {Data: []byte("master footer")},
	}
}

type fixture struct {
	analyzer *Analyzer
	control  *memstore.ControlPlane
	stores   *memstore.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	control := memstore.New()
	stores := memstore.NewResolver()

	for _, tn := range []domain.Tenant{
		{ID: "acme", IsActive: true, AutoSync: true},
		{ID: "broken", IsActive: true, AutoSync: true},
		{ID: "manual", IsActive: true, AutoSync: false},
		{ID: "plain", IsActive: true, AutoSync: true},
	} {
		require.NoError(t, control.Tenants.Upsert(ctx, tn))
	}

	acme := stores.Data("acme")
	acme.SeedTemplateVersion("v1.0.0")
	for _, a := range []domain.TemplateArtifact{
		{Path: "layout.html", Content: "acme layout", Customized: true},
		{Path: "header.html", Content: "base header"},
		{Path: "theme.css", Content: "acme theme", Customized: true},
		{Path: "legacy.html", Content: "acme legacy", Customized: true},
		{Path: "footer.html", Content: "acme footer"},
	} {
		acme.SeedArtifact(a)
	}

	plain := stores.Data("plain")
	plain.SeedTemplateVersion("v1.0.0")
	plain.SeedArtifact(domain.TemplateArtifact{Path: "header.html", Content: "base header"})

	stores.SetUnreachable("broken", true)

	return &fixture{
		analyzer: New(Config{
			Source:  templates.NewFSSource(masterFS()),
			Tenants: control.Tenants,
			Stores:  stores,
		}),
		control: control,
		stores:  stores,
	}
}

func severities(r *domain.ConflictAnalysisReport) map[string]domain.Severity {
	out := map[string]domain.Severity{}
	for _, w := range r.Warnings {
		for _, f := range w.AffectedFiles {
			out[f] = w.Severity
		}
	}
	return out
}

func TestAnalyze_Severities(t *testing.T) {
	manifest, err := templates.ParseManifest("v2.0.0", []byte(manifestV2))
	require.NoError(t, err)

	report := Analyze("acme", "v1.0.0", manifest, []domain.TemplateArtifact{
		{Path: "layout.html", Customized: true},
		{Path: "header.html"},
		{Path: "theme.css", Customized: true},
		{Path: "legacy.html", Customized: true},
		{Path: "footer.html"},
	})

	assert.Equal(t, map[string]domain.Severity{
		"layout.html": domain.SeverityHigh,
		"theme.css":   domain.SeverityLow,
		"legacy.html": domain.SeverityCritical,
		"footer.html": domain.SeverityMedium,
	}, severities(report))
	assert.Equal(t, domain.SeverityCritical, report.RiskLevel)
	assert.True(t, report.RequiresManualReview)
	assert.Equal(t, "v1.0.0", report.CurrentVersion)
	assert.Equal(t, "v2.0.0", report.MasterVersion)
}

func TestAnalyze_ModifiedCustomizedIsMedium(t *testing.T) {
	manifest := &domain.TemplateManifest{
		Version: "v1.1.0",
		Files:   []domain.TemplateFile{{Path: "header.html", Change: domain.ChangeModified}},
	}

	report := Analyze("acme", "", manifest, []domain.TemplateArtifact{{Path: "header.html", Customized: true}})

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, domain.ConflictCustomizedModified, report.Warnings[0].Type)
	assert.Equal(t, domain.SeverityMedium, report.RiskLevel)
	assert.False(t, report.RequiresManualReview)
}

func TestAnalyze_NoCustomizations(t *testing.T) {
	manifest, err := templates.ParseManifest("v2.0.0", []byte(manifestV2))
	require.NoError(t, err)

	report := Analyze("plain", "v1.0.0", manifest, []domain.TemplateArtifact{{Path: "header.html"}})

	assert.Empty(t, report.Warnings)
	assert.Equal(t, domain.SeverityLow, report.RiskLevel)
	assert.False(t, report.RequiresManualReview)
}

func TestDetectAvailableVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"v1.10.0/manifest.yaml": {Data: []byte("files: []\n")},
		"v1.2.0/manifest.yaml":  {Data: []byte("files: []\n")},
		"1.9.0/manifest.yaml":   {Data: []byte("files: []\n")},
		"latest/manifest.yaml":  {Data: []byte("files: []\n")},
	}
	a := New(Config{Source: templates.NewFSSource(fsys)})

	versions, err := a.DetectAvailableVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.2.0", "1.9.0", "v1.10.0"}, versions)

	latest, err := a.LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", latest)
}

func TestIsNewer(t *testing.T) {
	assert.True(t, IsNewer("v1.10.0", "v1.9.0"))
	assert.True(t, IsNewer("1.1.0", "v1.0.0"))
	assert.False(t, IsNewer("v1.0.0", "v1.0.0"))
	assert.False(t, IsNewer("v0.9.0", "v1.0.0"))
	assert.True(t, IsNewer("v0.1.0", ""))
	assert.False(t, IsNewer("latest", ""))
}

func TestPreviewUpdate(t *testing.T) {
	f := newFixture(t)

	preview, err := f.analyzer.PreviewUpdate(context.Background(), "v2.0.0")
	require.NoError(t, err)

	assert.Equal(t, "v2.0.0", preview.MasterVersion)
	assert.Equal(t, []string{"layout.html", "header.html", "theme.css"}, preview.ChangedFiles)
	assert.Equal(t, []string{"footer.html"}, preview.AddedFiles)
	assert.Equal(t, []string{"legacy.html"}, preview.DeletedFiles)
	assert.Equal(t, []string{"layout slots renamed"}, preview.BreakingChanges)
	assert.True(t, preview.RequiresManualReview)

	require.Len(t, preview.Conflicts, 3, "tenants without AutoSync are skipped")
	byTenant := map[string]domain.ConflictAnalysisReport{}
	for _, r := range preview.Conflicts {
		byTenant[r.TenantID] = r
	}

	assert.Equal(t, domain.SeverityCritical, byTenant["acme"].RiskLevel)
	assert.Empty(t, byTenant["plain"].Warnings)
	assert.NotEmpty(t, byTenant["broken"].Error, "unreachable tenant is reported, not fatal")
	assert.Zero(t, f.stores.OpenHandles())
}

func TestAnalyzeConflicts(t *testing.T) {
	f := newFixture(t)

	report, err := f.analyzer.AnalyzeConflicts(context.Background(), "acme", "v2.0.0")
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 4)

	_, err = f.analyzer.AnalyzeConflicts(context.Background(), "nobody", "v2.0.0")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.analyzer.AnalyzeConflicts(context.Background(), "acme", "v9.0.0")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.analyzer.AnalyzeConflicts(context.Background(), "broken", "v2.0.0")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
}

func artifactsOf(t *testing.T, d *memstore.TenantData) map[string]domain.TemplateArtifact {
	t.Helper()
	arts, err := d.Open().ListArtifacts(context.Background())
	require.NoError(t, err)
	out := map[string]domain.TemplateArtifact{}
	for _, a := range arts {
		out[a.Path] = a
	}
	return out
}

func TestSync_BlockedByPolicy(t *testing.T) {
	f := newFixture(t)
	data := f.stores.Data("acme")
	before := artifactsOf(t, data)

	report, err := f.analyzer.Sync(context.Background(), domain.Tenant{ID: "acme"}, data.Open(), "v2.0.0", nil, "alice")

	require.ErrorIs(t, err, domain.ErrPolicy)
	require.NotNil(t, report)
	assert.True(t, report.RequiresManualReview)
	assert.Equal(t, before, artifactsOf(t, data))

	version, err := data.Open().TemplateVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", version)
}

func TestSync_WithResolutions(t *testing.T) {
	f := newFixture(t)
	data := f.stores.Data("acme")

	_, err := f.analyzer.Sync(context.Background(), domain.Tenant{ID: "acme"}, data.Open(), "v2.0.0",
		map[string]domain.ConflictResolution{"layout.html": domain.ResolutionTakeMaster}, "alice")
	require.NoError(t, err)

	arts := artifactsOf(t, data)
	assert.Equal(t, "master layout", arts["layout.html"].Content)
	assert.False(t, arts["layout.html"].Customized)
	assert.Equal(t, domain.Checksum("master layout"), arts["layout.html"].Checksum)
	assert.Equal(t, "master header", arts["header.html"].Content, "non-conflicting files take master")
	assert.Equal(t, "acme theme", arts["theme.css"].Content, "unresolved conflicts keep local")
	assert.Equal(t, "acme footer", arts["footer.html"].Content)
	assert.Contains(t, arts, "legacy.html")

	version, err := data.Open().TemplateVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", version)
}

func TestSync_NoConflicts(t *testing.T) {
	f := newFixture(t)
	data := f.stores.Data("plain")

	report, err := f.analyzer.Sync(context.Background(), domain.Tenant{ID: "plain"}, data.Open(), "v2.0.0", nil, "alice")
	require.NoError(t, err)
	assert.False(t, report.RequiresManualReview)

	arts := artifactsOf(t, data)
	assert.Len(t, arts, 4)
	assert.Equal(t, "master footer", arts["footer.html"].Content)
	assert.Equal(t, "v2.0.0", arts["footer.html"].TemplateVersion)
	assert.NotContains(t, arts, "legacy.html")
}

func TestSync_StepFailure(t *testing.T) {
	f := newFixture(t)
	data := f.stores.Data("plain")
	data.ArtifactHook = func(path string) error {
		if path == "theme.css" {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := f.analyzer.Sync(context.Background(), domain.Tenant{ID: "plain"}, data.Open(), "v2.0.0", nil, "alice")

	var stepErr *domain.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, domain.StepArtifactSync, stepErr.Kind)
	assert.Equal(t, "theme.css", stepErr.Name)
	assert.ErrorIs(t, err, domain.ErrExecution)

	assert.Len(t, artifactsOf(t, data), 1, "failed sync leaves the store untouched")
	version, err := data.Open().TemplateVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", version)
}

func TestSync_InvalidResolution(t *testing.T) {
	f := newFixture(t)
	data := f.stores.Data("acme")

	_, err := f.analyzer.Sync(context.Background(), domain.Tenant{ID: "acme"}, data.Open(), "v2.0.0",
		map[string]domain.ConflictResolution{"layout.html": "merge"}, "alice")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
