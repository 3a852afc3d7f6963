package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "newer than this build" {
		return fmt.Sprintf("config version %d is newer than this build (current: %d). upgrade wagate to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, e.Reason, e.Current)
}

// ValidateVersion ensures the provided config version is supported. Zero
// means the file did not set one and is read as the current version.
func ValidateVersion(version int) error {
	switch {
	case version == 0:
		return nil
	case version < 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "invalid"}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "outdated"}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "newer than this build"}
	}
	return nil
}
