package models

import (
	"fmt"
	"time"
)

// ScanResult is the verdict of a package content scan.
type ScanResult int

const (
	ScanSafe ScanResult = iota
	ScanWarning
	ScanDangerous
	ScanUnknown
)

func (r ScanResult) String() string {
	switch r {
	case ScanSafe:
		return "Safe"
	case ScanWarning:
		return "Warning"
	case ScanDangerous:
		return "Dangerous"
	default:
		return "Unknown"
	}
}

// MarshalText renders the result by name in JSON output.
func (r ScanResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a result name.
func (r *ScanResult) UnmarshalText(text []byte) error {
	for v := ScanSafe; v <= ScanUnknown; v++ {
		if v.String() == string(text) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown scan result %q", text)
}

// SecurityInfo is derived once per package version and never mutated.
type SecurityInfo struct {
	Checksum     string     `json:"checksum"`
	Signature    string     `json:"signature"`
	Trusted      bool       `json:"trusted"`
	Capabilities []string   `json:"capabilities"`
	Result       ScanResult `json:"result"`
	RiskScore    int        `json:"risk_score"`
	Violations   []string   `json:"violations,omitempty"`
	ScannedAt    time.Time  `json:"scanned_at"`
}
