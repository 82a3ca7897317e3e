package tenantstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/tenantstore/migrations"
	_ "modernc.org/sqlite"
)

const defaultPingTimeout = 5 * time.Second

// pgVersionLock — транзакционная advisory-блокировка базы тенанта.
// SQLite сериализует писателей сам.
const pgVersionLock = `SELECT pg_advisory_xact_lock(hashtext('rollout.deployment_versions'))`

// SQLResolver открывает SQLStore по connection descriptor тенанта.
//
// Схема каждой базы мигрируется один раз за время жизни процесса.
type SQLResolver struct {
	migrated sync.Map // descriptor → struct{}
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewSQLResolver создаёт SQLResolver.
func NewSQLResolver(logger *slog.Logger) *SQLResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLResolver{logger: logger}
}

// Open открывает хранилище тенанта.
//
// Любая ошибка подключения оборачивается в domain.ErrInfrastructure.
func (r *SQLResolver) Open(ctx context.Context, tenant domain.Tenant) (Store, error) {
	target, err := ParseDescriptor(tenant.ConnectionDescriptor)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open tenant store %s: %w", domain.ErrInfrastructure, tenant.ID, err)
	}
	if target.Dialect == goose.DialectSQLite3 {
		// SQLite допускает одного писателя.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping tenant store %s: %w", domain.ErrInfrastructure, tenant.ID, err)
	}

	if err := r.migrate(ctx, db, target, tenant.ConnectionDescriptor); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate tenant store %s: %w", domain.ErrInfrastructure, tenant.ID, err)
	}

	store := NewSQLStore(db, tenant.ID)
	if target.Dialect == goose.DialectPostgres {
		// Транзакции deploy/rollback одного тенанта идут по очереди.
		store.lockQuery = pgVersionLock
	}
	return store, nil
}

func (r *SQLResolver) migrate(ctx context.Context, db *sql.DB, target Target, descriptor string) error {
	if _, ok := r.migrated.Load(descriptor); ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.migrated.Load(descriptor); ok {
		return nil
	}

	if err := Migrate(ctx, db, target.Dialect); err != nil {
		return err
	}
	r.migrated.Store(descriptor, struct{}{})
	return nil
}

// Migrate применяет встроенные миграции к базе тенанта.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	provider, err := goose.NewProvider(dialect, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Target — разобранный connection descriptor.
type Target struct {
	Driver  string
	DSN     string
	Dialect goose.Dialect
}

// ParseDescriptor определяет драйвер по схеме descriptor'а.
func ParseDescriptor(descriptor string) (Target, error) {
	d := strings.TrimSpace(descriptor)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return Target{Driver: "pgx", DSN: d, Dialect: goose.DialectPostgres}, nil
	case strings.HasPrefix(d, "sqlite://"):
		path := strings.TrimPrefix(d, "sqlite://")
		if path == "" {
			return Target{}, fmt.Errorf("%w: sqlite descriptor without path", domain.ErrInfrastructure)
		}
		dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		return Target{Driver: "sqlite", DSN: dsn, Dialect: goose.DialectSQLite3}, nil
	case d == "":
		return Target{}, fmt.Errorf("%w: empty connection descriptor", domain.ErrInfrastructure)
	default:
		return Target{}, fmt.Errorf("%w: unsupported connection descriptor scheme", domain.ErrInfrastructure)
	}
}
