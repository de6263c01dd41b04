package models

import "fmt"

// PackageStatus is the lifecycle state of a configured package.
type PackageStatus int

const (
	StatusUnknown PackageStatus = iota
	StatusDownloading
	StatusValidating
	StatusLoading
	StatusLoaded
	StatusUnloaded
	StatusError
)

func (s PackageStatus) String() string {
	switch s {
	case StatusDownloading:
		return "Downloading"
	case StatusValidating:
		return "Validating"
	case StatusLoading:
		return "Loading"
	case StatusLoaded:
		return "Loaded"
	case StatusUnloaded:
		return "Unloaded"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status by name in JSON output.
func (s PackageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *PackageStatus) UnmarshalText(text []byte) error {
	for st := StatusUnknown; st <= StatusError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown package status %q", text)
}

// Settled reports whether no load is in progress.
func (s PackageStatus) Settled() bool {
	switch s {
	case StatusUnknown, StatusLoaded, StatusUnloaded, StatusError:
		return true
	}
	return false
}
