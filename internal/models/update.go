package models

import "time"

// UpdateInfo is the outcome of one remote version check.
type UpdateInfo struct {
	Key             string    `json:"key"`
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	UpdateURL       string    `json:"update_url"`
	UpdateSize      int64     `json:"update_size"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	Strategy        string    `json:"strategy"`
	CheckedAt       time.Time `json:"checked_at"`
}
