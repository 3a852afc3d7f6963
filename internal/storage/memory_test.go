package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryTenantStore_PutGet(t *testing.T) {
	store := NewMemoryTenantStore()
	ctx := context.Background()

	if err := store.Put(ctx, TenantRecord{}); err == nil {
		t.Error("Put() without id should fail")
	}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.Put(ctx, TenantRecord{ID: "acme", CreatedAt: created}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, TenantRecord{ID: "acme", Handle: "+100"}); err != nil {
		t.Fatalf("Put() update error = %v", err)
	}

	rec, err := store.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Handle != "+100" {
		t.Errorf("Handle = %q, want +100", rec.Handle)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want preserved %v", rec.CreatedAt, created)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(\"\") error = %v, want ErrNotFound", err)
	}
}

func TestMemoryTenantStore_ListDelete(t *testing.T) {
	store := NewMemoryTenantStore()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := store.Put(ctx, TenantRecord{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 || list[0].ID != "alpha" || list[2].ID != "zeta" {
		t.Errorf("List() = %+v, want sorted by id", list)
	}

	if err := store.Delete(ctx, "mid"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "mid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if list, _ := store.List(ctx); len(list) != 2 {
		t.Errorf("List() after delete = %d records", len(list))
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
