package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const tenantsSchema = `
	CREATE TABLE IF NOT EXISTS wagate_tenants (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`

// NewCockroachTenantStoreFromDSN opens a Postgres-protocol database
// (CockroachDB or PostgreSQL), verifies connectivity, and ensures the schema.
func NewCockroachTenantStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachTenantStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewCockroachTenantStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// CockroachTenantStore is a SQL TenantStore.
type CockroachTenantStore struct {
	db *sql.DB
}

// NewCockroachTenantStore wraps an open database.
func NewCockroachTenantStore(db *sql.DB) *CockroachTenantStore {
	return &CockroachTenantStore{db: db}
}

// EnsureSchema creates the tenants table if needed.
func (s *CockroachTenantStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, tenantsSchema); err != nil {
		return fmt.Errorf("create wagate_tenants: %w", err)
	}
	return nil
}

func (s *CockroachTenantStore) Put(ctx context.Context, rec TenantRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wagate_tenants (id, handle, created_at, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET handle = EXCLUDED.handle, updated_at = EXCLUDED.updated_at`,
		rec.ID,
		rec.Handle,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put tenant: %w", err)
	}
	return nil
}

func (s *CockroachTenantStore) Get(ctx context.Context, id string) (*TenantRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, created_at, updated_at FROM wagate_tenants WHERE id = $1`, id)

	var rec TenantRecord
	if err := row.Scan(&rec.ID, &rec.Handle, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &rec, nil
}

func (s *CockroachTenantStore) List(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle, created_at, updated_at FROM wagate_tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		var rec TenantRecord
		if err := rows.Scan(&rec.ID, &rec.Handle, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return out, nil
}

func (s *CockroachTenantStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM wagate_tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tenant rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *CockroachTenantStore) Close() error {
	return s.db.Close()
}
