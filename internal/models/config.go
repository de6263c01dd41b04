package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PackageConfig is the operator-level configuration of one package source.
type PackageConfig struct {
	Key            string            `json:"key"`
	URL            string            `json:"url"`
	Name           string            `json:"name"`
	Enabled        bool              `json:"enabled"`
	AutoUpdate     bool              `json:"auto_update"`
	UpdateInterval time.Duration     `json:"update_interval"`
	Priority       int               `json:"priority"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the URL scheme and priority.
func (c PackageConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return &PackageError{Type: ErrConfigInvalid, Package: c.Key, Err: fmt.Errorf("url is required")}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &PackageError{Type: ErrConfigInvalid, Package: c.Key, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &PackageError{Type: ErrConfigInvalid, Package: c.Key, Err: fmt.Errorf("unsupported url scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &PackageError{Type: ErrConfigInvalid, Package: c.Key, Err: fmt.Errorf("url has no host")}
	}
	if c.Priority < 0 {
		return &PackageError{Type: ErrConfigInvalid, Package: c.Key, Err: fmt.Errorf("priority must be >= 0, got %d", c.Priority)}
	}
	return nil
}

// Normalized fills in the derived key and display name.
func (c PackageConfig) Normalized() PackageConfig {
	if c.Key == "" {
		c.Key = KeyFromURL(c.URL)
	}
	if c.Name == "" {
		c.Name = nameFromURL(c.URL)
	}
	if c.Metadata != nil {
		meta := make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}
	return c
}

// KeyFromURL derives the stable package key for a source URL.
func KeyFromURL(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return "pkg_" + hex.EncodeToString(sum[:])[:16]
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	name := u.Path[strings.LastIndex(u.Path, "/")+1:]
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" {
		return u.Host
	}
	return name
}
