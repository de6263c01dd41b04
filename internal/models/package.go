package models

import "time"

// PackageDescriptor is the immutable identity of one downloaded package version.
// A new version always produces a new descriptor.
type PackageDescriptor struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Vendor    string    `json:"vendor,omitempty"`
	URL       string    `json:"url"`
	FilePath  string    `json:"file_path"`
	FileSize  int64     `json:"file_size"`
	Resolvers []string  `json:"resolvers"`
	LoadedAt  time.Time `json:"loaded_at"`
	Checksum  string    `json:"checksum"`
}

// Valid reports whether the descriptor satisfies its identity invariant.
func (d PackageDescriptor) Valid() bool {
	return d.Key != "" && d.Name != "" && d.Version != "" &&
		d.URL != "" && d.FilePath != "" && d.FileSize > 0
}

// WithFilePath returns a copy of the descriptor pointing at path.
func (d PackageDescriptor) WithFilePath(path string) PackageDescriptor {
	d.FilePath = path
	d.Resolvers = append([]string(nil), d.Resolvers...)
	return d
}

// CacheEntry wraps a descriptor with cache bookkeeping.
type CacheEntry struct {
	Descriptor  PackageDescriptor `json:"descriptor"`
	FileSize    int64             `json:"file_size"`
	CreatedAt   time.Time         `json:"created_at"`
	LastAccess  time.Time         `json:"last_access"`
	AccessCount int64             `json:"access_count"`
}

// CacheStats summarises the state of the package cache.
type CacheStats struct {
	Entries      int     `json:"entries"`
	Bytes        int64   `json:"bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
	UsagePercent float64 `json:"usage_percent"`
}
