package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		reason  string
	}{
		{"current", CurrentVersion, ""},
		{"unset", 0, ""},
		{"negative", -1, "invalid"},
		{"newer", CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) error = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", ve.Reason, tt.reason)
			}
		})
	}
}

func TestVersionError_Message(t *testing.T) {
	err := &VersionError{Version: 2, Current: 1, Reason: "newer than this build"}
	if !strings.Contains(err.Error(), "upgrade wagate") {
		t.Errorf("Error() = %q", err.Error())
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should render empty")
	}
}
