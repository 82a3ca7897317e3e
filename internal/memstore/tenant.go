package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore"
)

// TenantData — содержимое хранилища одного тенанта.
//
// Handle'ы, открытые через Resolver, разделяют TenantData, поэтому
// состояние переживает Close так же, как настоящая база.
type TenantData struct {
	mu       sync.Mutex
	tenantID string
	state    tenantState

	// ExecHook вызывается для каждого schema-скрипта; ошибка валит шаг.
	ExecHook func(script string) error

	// ArtifactHook вызывается при записи и удалении артефакта.
	ArtifactHook func(path string) error
}

type tenantState struct {
	versions        map[uuid.UUID]domain.DeploymentVersion
	artifacts       map[string]domain.TemplateArtifact
	settings        map[string]string
	schema          []string
	templateVersion string
}

// NewTenantData создаёт пустое хранилище тенанта.
func NewTenantData(tenantID string) *TenantData {
	return &TenantData{
		tenantID: tenantID,
		state: tenantState{
			versions:  map[uuid.UUID]domain.DeploymentVersion{},
			artifacts: map[string]domain.TemplateArtifact{},
			settings:  map[string]string{},
		},
	}
}

// Schema возвращает выполненные schema-скрипты в порядке выполнения.
func (d *TenantData) Schema() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state.schema)
}

// SeedArtifact кладёт артефакт в хранилище в обход транзакций.
func (d *TenantData) SeedArtifact(a domain.TemplateArtifact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.artifacts[a.Path] = a
}

// SeedTemplateVersion задаёт текущую версию шаблона.
func (d *TenantData) SeedTemplateVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.templateVersion = version
}

func (s tenantState) clone() tenantState {
	return tenantState{
		versions:        maps.Clone(s.versions),
		artifacts:       maps.Clone(s.artifacts),
		settings:        maps.Clone(s.settings),
		schema:          slices.Clone(s.schema),
		templateVersion: s.templateVersion,
	}
}

// Store — handle к TenantData, реализует tenantstore.Store.
type Store struct {
	data   *TenantData
	closed atomic.Bool
	onDone func()
}

var _ tenantstore.Store = (*Store)(nil)

// Open возвращает handle без учёта в Resolver.
func (d *TenantData) Open() *Store {
	return &Store{data: d}
}

func (s *Store) TenantID() string {
	return s.data.tenantID
}

func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.onDone != nil {
		s.onDone()
	}
	return nil
}

func (s *Store) check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store is closed", domain.ErrInfrastructure)
	}
	return nil
}

func (s *Store) CreateVersion(_ context.Context, v *domain.DeploymentVersion) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if _, ok := s.data.state.versions[v.ID]; ok {
		return fmt.Errorf("version %s already exists", v.ID)
	}
	s.data.state.versions[v.ID] = copyVersion(*v)
	return nil
}

func (s *Store) GetVersion(_ context.Context, id uuid.UUID) (*domain.DeploymentVersion, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	v, ok := s.data.state.versions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := copyVersion(v)
	return &out, nil
}

func (s *Store) TransitionVersion(_ context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return s.data.state.transitionVersion(v, from)
}

func (s *Store) ListVersions(_ context.Context) ([]domain.DeploymentVersion, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return s.data.state.listVersions(), nil
}

func (s *Store) LatestCompleted(_ context.Context) (*domain.DeploymentVersion, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return s.data.state.latestCompleted(), nil
}

func (s *Store) ListArtifacts(_ context.Context) ([]domain.TemplateArtifact, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	artifacts := slices.Collect(maps.Values(s.data.state.artifacts))
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

func (s *Store) Setting(_ context.Context, name string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	v, ok := s.data.state.settings[name]
	return v, ok, nil
}

func (s *Store) TemplateVersion(_ context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return s.data.state.templateVersion, nil
}

// InTx применяет fn к копии состояния и публикует её только при успехе.
func (s *Store) InTx(ctx context.Context, fn func(tx tenantstore.Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	tx := &memTx{state: s.data.state.clone(), hook: s.data.ExecHook, artifactHook: s.data.ArtifactHook}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data.state = tx.state
	return nil
}

type memTx struct {
	state        tenantState
	hook         func(string) error
	artifactHook func(string) error
}

func (t *memTx) ExecSchema(_ context.Context, script string) error {
	if t.hook != nil {
		if err := t.hook(script); err != nil {
			return err
		}
	}
	t.state.schema = append(t.state.schema, script)
	return nil
}

func (t *memTx) PutArtifact(_ context.Context, a domain.TemplateArtifact) error {
	if t.artifactHook != nil {
		if err := t.artifactHook(a.Path); err != nil {
			return err
		}
	}
	t.state.artifacts[a.Path] = a
	return nil
}

func (t *memTx) DeleteArtifact(_ context.Context, path string) error {
	if t.artifactHook != nil {
		if err := t.artifactHook(path); err != nil {
			return err
		}
	}
	delete(t.state.artifacts, path)
	return nil
}

func (t *memTx) GetArtifact(_ context.Context, path string) (*domain.TemplateArtifact, error) {
	a, ok := t.state.artifacts[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) SetConfig(_ context.Context, name, value string) error {
	t.state.settings[name] = value
	return nil
}

func (t *memTx) SetTemplateVersion(_ context.Context, version string) error {
	t.state.templateVersion = version
	return nil
}

func (t *memTx) LatestCompleted(_ context.Context) (*domain.DeploymentVersion, error) {
	return t.state.latestCompleted(), nil
}

func (t *memTx) ListVersions(_ context.Context) ([]domain.DeploymentVersion, error) {
	return t.state.listVersions(), nil
}

func (t *memTx) TransitionVersion(_ context.Context, v *domain.DeploymentVersion, from domain.VersionStatus) error {
	return t.state.transitionVersion(v, from)
}

func (s *tenantState) transitionVersion(v *domain.DeploymentVersion, from domain.VersionStatus) error {
	stored, ok := s.versions[v.ID]
	if !ok {
		return fmt.Errorf("%w: version %s", domain.ErrNotFound, v.ID)
	}
	if stored.Status != from {
		return domain.Statef("version %s is %s, expected %s", v.ID, stored.Status, from)
	}
	s.versions[v.ID] = copyVersion(*v)
	return nil
}

func (s *tenantState) listVersions() []domain.DeploymentVersion {
	versions := make([]domain.DeploymentVersion, 0, len(s.versions))
	for _, v := range s.versions {
		versions = append(versions, copyVersion(v))
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].ReleasedAt.After(versions[j].ReleasedAt)
	})
	return versions
}

func (s *tenantState) latestCompleted() *domain.DeploymentVersion {
	var latest *domain.DeploymentVersion
	for _, v := range s.versions {
		if v.Status != domain.VersionStatusCompleted || v.DeployedAt == nil {
			continue
		}
		if latest == nil || v.DeployedAt.After(*latest.DeployedAt) ||
			(v.DeployedAt.Equal(*latest.DeployedAt) && v.ReleasedAt.After(latest.ReleasedAt)) {
			c := copyVersion(v)
			latest = &c
		}
	}
	return latest
}

func copyVersion(v domain.DeploymentVersion) domain.DeploymentVersion {
	v.Payload.Steps = slices.Clone(v.Payload.Steps)
	if v.DeployedAt != nil {
		t := *v.DeployedAt
		v.DeployedAt = &t
	}
	if v.RollbackFrom != nil {
		id := *v.RollbackFrom
		v.RollbackFrom = &id
	}
	return v
}

// Resolver — tenantstore.Resolver поверх TenantData в памяти.
type Resolver struct {
	mu          sync.Mutex
	tenants     map[string]*TenantData
	unreachable map[string]bool
	open        atomic.Int64
}

var _ tenantstore.Resolver = (*Resolver)(nil)

// NewResolver создаёт пустой Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		tenants:     map[string]*TenantData{},
		unreachable: map[string]bool{},
	}
}

// Data возвращает хранилище тенанта, создавая его при первом обращении.
func (r *Resolver) Data(tenantID string) *TenantData {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tenants[tenantID]
	if !ok {
		d = NewTenantData(tenantID)
		r.tenants[tenantID] = d
	}
	return d
}

// SetUnreachable делает хранилище тенанта недоступным для Open.
func (r *Resolver) SetUnreachable(tenantID string, unreachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[tenantID] = unreachable
}

// OpenHandles — сколько handle'ов открыто и ещё не закрыто.
func (r *Resolver) OpenHandles() int64 {
	return r.open.Load()
}

func (r *Resolver) Open(_ context.Context, tenant domain.Tenant) (tenantstore.Store, error) {
	r.mu.Lock()
	down := r.unreachable[tenant.ID]
	r.mu.Unlock()
	if down {
		return nil, fmt.Errorf("%w: tenant store %s unreachable", domain.ErrInfrastructure, tenant.ID)
	}

	s := r.Data(tenant.ID).Open()
	r.open.Add(1)
	s.onDone = func() { r.open.Add(-1) }
	return s, nil
}
