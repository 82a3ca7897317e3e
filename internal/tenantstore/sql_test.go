package tenantstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	tenant := domain.Tenant{
		ID:                   "acme",
		ConnectionDescriptor: "sqlite://" + filepath.Join(t.TempDir(), "acme.db"),
	}
	store, err := NewSQLResolver(nil).Open(context.Background(), tenant)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// --- Descriptor Tests ---

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		descriptor string
		driver     string
		wantErr    bool
	}{
		{"postgres://u:p@localhost/db", "pgx", false},
		{"postgresql://u:p@localhost/db", "pgx", false},
		{"sqlite:///tmp/acme.db", "sqlite", false},
		{"sqlite://", "", true},
		{"mysql://localhost/db", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		target, err := ParseDescriptor(tt.descriptor)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInfrastructure) {
				t.Errorf("ParseDescriptor(%q): expected ErrInfrastructure, got %v", tt.descriptor, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDescriptor(%q): unexpected error: %v", tt.descriptor, err)
			continue
		}
		if target.Driver != tt.driver {
			t.Errorf("ParseDescriptor(%q): driver = %q, want %q", tt.descriptor, target.Driver, tt.driver)
		}
	}
}

func TestSQLResolver_UnreachableStore(t *testing.T) {
	tenant := domain.Tenant{
		ID:                   "ghost",
		ConnectionDescriptor: "sqlite://" + filepath.Join(t.TempDir(), "missing", "dir", "ghost.db"),
	}
	_, err := NewSQLResolver(nil).Open(context.Background(), tenant)
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
}

// --- Version Tests ---

func TestSQLStore_VersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	payload := domain.MigrationPayload{
		RollbackSupported: true,
		Steps: []domain.MigrationStep{
			{Kind: domain.StepSchemaScript, Name: "add_pages", Script: "CREATE TABLE pages (id INTEGER)", RollbackScript: "DROP TABLE pages"},
			{Kind: domain.StepConfigUpdate, Name: "theme", Value: "dark"},
		},
	}
	v := domain.NewDeploymentVersion("acme", "1.0.0", "first", payload)
	require.NoError(t, store.CreateVersion(ctx, v))

	got, err := store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, domain.VersionStatusPending, got.Status)
	assert.Equal(t, payload, got.Payload)
	assert.Nil(t, got.DeployedAt)
	assert.Nil(t, got.RollbackFrom)

	_, err = store.GetVersion(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLStore_LatestCompleted(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	current, err := store.LatestCompleted(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "empty store has no current version")

	base := time.Now().UTC()
	for i, label := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		v := domain.NewDeploymentVersion("acme", label, "", domain.MigrationPayload{})
		require.NoError(t, store.CreateVersion(ctx, v))
		v.MarkCompleted(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, store.TransitionVersion(ctx, v, domain.VersionStatusPending))
	}

	failed := domain.NewDeploymentVersion("acme", "2.0.0", "", domain.MigrationPayload{})
	require.NoError(t, store.CreateVersion(ctx, failed))
	failed.MarkFailed("boom")
	require.NoError(t, store.TransitionVersion(ctx, failed, domain.VersionStatusPending))

	current, err = store.LatestCompleted(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "1.2.0", current.Version)

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 4)
}

func TestSQLStore_TransitionVersionIsConditional(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	v := domain.NewDeploymentVersion("acme", "1.0.0", "", domain.MigrationPayload{})
	require.NoError(t, store.CreateVersion(ctx, v))

	first := *v
	first.MarkInProgress("alice")
	require.NoError(t, store.TransitionVersion(ctx, &first, domain.VersionStatusPending))

	// A second writer that saw the same PENDING record loses.
	second := *v
	second.MarkInProgress("bob")
	err := store.TransitionVersion(ctx, &second, domain.VersionStatusPending)
	require.ErrorIs(t, err, domain.ErrState)
	assert.Contains(t, err.Error(), string(domain.VersionStatusInProgress))

	got, err := store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.DeployedBy)

	missing := domain.NewDeploymentVersion("acme", "9.9.9", "", domain.MigrationPayload{})
	missing.MarkFailed("x")
	err = store.TransitionVersion(ctx, missing, domain.VersionStatusPending)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLStore_TxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	v := domain.NewDeploymentVersion("acme", "1.0.0", "", domain.MigrationPayload{})
	require.NoError(t, store.CreateVersion(ctx, v))

	err := store.InTx(ctx, func(tx Tx) error {
		current, err := tx.LatestCompleted(ctx)
		require.NoError(t, err)
		assert.Nil(t, current)

		v.MarkCompleted(time.Now())
		require.NoError(t, tx.TransitionVersion(ctx, v, domain.VersionStatusPending))

		current, err = tx.LatestCompleted(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, v.ID, current.ID)
		assert.Equal(t, "acme", current.TenantID)

		versions, err := tx.ListVersions(ctx)
		require.NoError(t, err)
		assert.Len(t, versions, 1)
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	current, err := store.LatestCompleted(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "aborted transaction must not publish the transition")
}

// --- Transaction Tests ---

func TestSQLStore_InTx_CommitsAllChanges(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.ExecSchema(ctx, "CREATE TABLE pages (id INTEGER PRIMARY KEY, title TEXT)"); err != nil {
			return err
		}
		if err := tx.PutArtifact(ctx, domain.TemplateArtifact{Path: "layout.html", Content: "<main/>", Customized: true}); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, "theme", "dark"); err != nil {
			return err
		}
		return tx.SetTemplateVersion(ctx, "v1.0.0")
	})
	require.NoError(t, err)

	artifacts, err := store.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.True(t, artifacts[0].Customized)
	assert.Equal(t, "<main/>", artifacts[0].Content)

	value, ok, err := store.Setting(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", value)

	tv, err := store.TemplateVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", tv)
}

func TestSQLStore_InTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.SetConfig(ctx, "theme", "dark"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := store.Setting(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, ok, "setting must not survive a rolled back transaction")
}

func TestSQLStore_ArtifactUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		if err := tx.PutArtifact(ctx, domain.TemplateArtifact{Path: "a.css", Content: "v1"}); err != nil {
			return err
		}
		return tx.PutArtifact(ctx, domain.TemplateArtifact{Path: "a.css", Content: "v2"})
	}))

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetArtifact(ctx, "a.css")
		if err != nil {
			return err
		}
		if a.Content != "v2" {
			t.Errorf("expected upserted content v2, got %q", a.Content)
		}
		if err := tx.DeleteArtifact(ctx, "a.css"); err != nil {
			return err
		}
		_, err = tx.GetArtifact(ctx, "a.css")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		return nil
	}))
}
