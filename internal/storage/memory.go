package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryTenantStore provides an in-memory TenantStore.
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]TenantRecord
}

// NewMemoryTenantStore creates an in-memory tenant store.
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]TenantRecord)}
}

func (s *MemoryTenantStore) Put(ctx context.Context, rec TenantRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tenants[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.tenants[rec.ID] = rec
	return nil
}

func (s *MemoryTenantStore) Get(ctx context.Context, id string) (*TenantRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryTenantStore) List(ctx context.Context) ([]TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TenantRecord, 0, len(s.tenants))
	for _, rec := range s.tenants {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTenantStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

func (s *MemoryTenantStore) Close() error {
	return nil
}
