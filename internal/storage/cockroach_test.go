package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachTenantStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewCockroachTenantStore(db)
}

func TestCockroachTenantStore_EnsureSchema(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS wagate_tenants").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachTenantStore_Put(t *testing.T) {
	tests := []struct {
		name        string
		rec         TenantRecord
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "upsert",
			rec:  TenantRecord{ID: "acme", Handle: "+100"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO wagate_tenants").
					WithArgs("acme", "+100", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:        "missing id",
			rec:         TenantRecord{},
			setupMock:   func(sqlmock.Sqlmock) {},
			wantErr:     true,
			errContains: "tenant id is required",
		},
		{
			name: "database error",
			rec:  TenantRecord{ID: "acme"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO wagate_tenants").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "put tenant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Put(context.Background(), tt.rec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want containing %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCockroachTenantStore_Get(t *testing.T) {
	now := time.Now().UTC()

	t.Run("found", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT id, handle, created_at, updated_at FROM wagate_tenants WHERE id").
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{"id", "handle", "created_at", "updated_at"}).
				AddRow("acme", "+100", now, now))

		rec, err := store.Get(context.Background(), "acme")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.ID != "acme" || rec.Handle != "+100" {
			t.Errorf("Get() = %+v", rec)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT id, handle").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		db, _, store := setupMockDB(t)
		defer db.Close()
		if _, err := store.Get(context.Background(), ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(\"\") error = %v, want ErrNotFound", err)
		}
	})
}

func TestCockroachTenantStore_List(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, handle, created_at, updated_at FROM wagate_tenants ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "handle", "created_at", "updated_at"}).
			AddRow("alpha", "", now, now).
			AddRow("beta", "+200", now, now))

	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[1].Handle != "+200" {
		t.Errorf("List() = %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachTenantStore_Delete(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "deleted", rows: 1},
		{name: "missing", rows: 0, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			mock.ExpectExec("DELETE FROM wagate_tenants").
				WithArgs("acme").
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			err := store.Delete(context.Background(), "acme")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Delete() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewCockroachTenantStoreFromDSN_Empty(t *testing.T) {
	if _, err := NewCockroachTenantStoreFromDSN("  ", nil); err == nil {
		t.Error("empty DSN should fail")
	}
}
