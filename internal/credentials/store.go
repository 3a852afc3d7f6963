// Package credentials allocates isolated per-tenant storage for messaging
// client credential material.
//
// Every tenant owns exactly one directory, <root>/<tenant>, created with 0700
// permissions. The contents are opaque to this package; the messaging client
// keeps its device keys and session database there.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidTenant is returned for tenant ids that cannot be used as a
// storage key.
var ErrInvalidTenant = errors.New("invalid tenant id")

// MaxTenantIDLength bounds tenant ids.
const MaxTenantIDLength = 128

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateTenantID rejects ids that are empty, too long, or could escape the
// storage root.
func ValidateTenantID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidTenant)
	case len(id) > MaxTenantIDLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTenant, MaxTenantIDLength)
	case !tenantIDPattern.MatchString(id), strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	return nil
}

// Store hands out tenant directories under a single root.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("credentials: storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("credentials: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the tenant's directory path without creating it.
func (s *Store) Dir(tenantID string) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, tenantID)
	if filepath.Dir(dir) != s.root {
		return "", fmt.Errorf("%w: %q resolves outside storage root", ErrInvalidTenant, tenantID)
	}
	return dir, nil
}

// Ensure creates the tenant's directory with owner-only permissions and
// returns its path.
func (s *Store) Ensure(tenantID string) (string, error) {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("credentials: create %s: %w", tenantID, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", fmt.Errorf("credentials: chmod %s: %w", tenantID, err)
	}
	return dir, nil
}

// Exists reports whether the tenant has any stored credential material.
func (s *Store) Exists(tenantID string) bool {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return false
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// List returns tenants with stored credential material, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("credentials: list: %w", err)
	}
	var tenants []string
	for _, entry := range entries {
		if !entry.IsDir() || ValidateTenantID(entry.Name()) != nil {
			continue
		}
		if s.Exists(entry.Name()) {
			tenants = append(tenants, entry.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Remove deletes the tenant's directory and everything in it. Removing a
// tenant with no directory is a no-op.
func (s *Store) Remove(tenantID string) error {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("credentials: remove %s: %w", tenantID, err)
	}
	return nil
}
