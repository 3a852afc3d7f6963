package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"acme", false},
		{"t1", false},
		{"tenant-42_prod.eu", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../etc", true},
		{"a/b", true},
		{`a\b`, true},
		{"-leading", true},
		{".hidden", true},
		{"a..b", true},
		{"has space", true},
		{strings.Repeat("a", MaxTenantIDLength), false},
		{strings.Repeat("a", MaxTenantIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateTenantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTenantID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTenant) {
				t.Errorf("error should wrap ErrInvalidTenant, got %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Error("New() with empty root should fail")
	}

	root := filepath.Join(t.TempDir(), "nested", "root")
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if info, err := os.Stat(s.Root()); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestEnsure_IsolatedDirectories(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := s.Ensure("tenant-a")
	if err != nil {
		t.Fatalf("Ensure(a) error = %v", err)
	}
	b, err := s.Ensure("tenant-b")
	if err != nil {
		t.Fatalf("Ensure(b) error = %v", err)
	}
	if a == b {
		t.Fatal("tenants share a directory")
	}
	if filepath.Dir(a) != s.Root() || filepath.Dir(b) != s.Root() {
		t.Errorf("directories not directly under root: %s, %s", a, b)
	}

	info, err := os.Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("perm = %o, want 700", perm)
	}

	again, err := s.Ensure("tenant-a")
	if err != nil || again != a {
		t.Errorf("Ensure() not idempotent: %s, %v", again, err)
	}

	if _, err := s.Ensure("../escape"); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("Ensure(../escape) error = %v, want ErrInvalidTenant", err)
	}
}

func TestListExistsRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"zeta", "alpha", "empty"} {
		if _, err := s.Ensure(id); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"zeta", "alpha"} {
		dir, _ := s.Dir(id)
		if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Root(), "stray-file"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if want := []string{"alpha", "zeta"}; !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	if !s.Exists("alpha") || s.Exists("empty") || s.Exists("missing") {
		t.Error("Exists() mismatch")
	}

	if err := s.Remove("alpha"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if s.Exists("alpha") {
		t.Error("alpha should be gone")
	}
	if err := s.Remove("never-existed"); err != nil {
		t.Errorf("Remove(missing) error = %v, want nil", err)
	}
	if !s.Exists("zeta") {
		t.Error("removing alpha must not touch zeta")
	}
}
