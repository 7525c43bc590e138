package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

//go:embed schema.sql
var schema string

const (
	queryInsertResource = `INSERT INTO resources (id, kind, tenant_id, runner_id, spec, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryUpdateResource = `UPDATE resources SET runner_id = ?, spec = ?, updated_at = ?
WHERE id = ? AND kind = ? AND tenant_id = ? AND deleted_at IS NULL`

	queryGetResource = `SELECT spec FROM resources WHERE id = ? AND kind = ? AND deleted_at IS NULL`

	queryDeleteResource = `UPDATE resources SET deleted_at = ? WHERE id = ? AND kind = ? AND deleted_at IS NULL`

	queryListResources = `SELECT spec FROM resources
WHERE kind = ? AND tenant_id = ? AND runner_id = ? AND deleted_at IS NULL
ORDER BY created_at`
)

// PoolConfig holds database connection pool configuration
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPoolConfig returns defaults suited to a single server instance
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// NewPool opens and pings a MySQL connection pool
func NewPool(dsn string, cfg *PoolConfig) (*sql.DB, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SQLStore implements ResourceStore on MySQL. Deletes are soft: the row is
// kept with deleted_at set and is invisible to reads.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an open database handle
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the resources table if it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateResource inserts a new row. Soft-deleted rows keep their id, so a
// deleted id is never reused.
func (s *SQLStore) CreateResource(ctx context.Context, info *types.ResourceInfo) error {
	spec, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode resource: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, queryInsertResource,
		info.ID.String(), string(info.Kind), info.TenantID.String(), info.RunnerID.String(), spec, now, now)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%s %s: %w", info.Kind, info.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to store %s %s: %w", info.Kind, info.ID, err)
	}
	return nil
}

// UpdateResource only touches a live row owned by the same tenant
func (s *SQLStore) UpdateResource(ctx context.Context, info *types.ResourceInfo) error {
	spec, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode resource: %w", err)
	}
	result, err := s.db.ExecContext(ctx, queryUpdateResource,
		info.RunnerID.String(), spec, s.now(), info.ID.String(), string(info.Kind), info.TenantID.String())
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", info.Kind, info.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", info.Kind, info.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", info.Kind, info.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error) {
	var spec []byte
	err := s.db.QueryRowContext(ctx, queryGetResource, id.String(), string(kind)).Scan(&spec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}

	var info types.ResourceInfo
	if err := json.Unmarshal(spec, &info); err != nil {
		return nil, &types.InternalError{Err: fmt.Errorf("corrupt spec for %s %s: %w", kind, id, err)}
	}
	return &info, nil
}

func (s *SQLStore) DeleteResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error {
	result, err := s.db.ExecContext(ctx, queryDeleteResource, s.now(), id.String(), string(kind))
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListResources(ctx context.Context, kind types.ResourceKind, runner types.RunnerIdentity) ([]*types.ResourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, queryListResources,
		string(kind), runner.TenantID.String(), runner.RunnerID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s resources: %w", kind, err)
	}
	defer rows.Close()

	var resources []*types.ResourceInfo
	for rows.Next() {
		var spec []byte
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		var info types.ResourceInfo
		if err := json.Unmarshal(spec, &info); err != nil {
			return nil, &types.InternalError{Err: fmt.Errorf("corrupt spec: %w", err)}
		}
		resources = append(resources, &info)
	}
	return resources, rows.Err()
}
