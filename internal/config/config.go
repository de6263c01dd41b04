// Package config loads process settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the settings file looked up when none is given
const DefaultFile = "resolvd.yaml"

// Store backends
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// StoreSettings selects where package configurations are persisted
type StoreSettings struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`
}

// EventSettings configures event forwarding
type EventSettings struct {
	NatsURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Settings holds every tunable of the process
type Settings struct {
	CacheDir        string        `yaml:"cache_dir"`
	MaxCacheBytes   int64         `yaml:"max_cache_bytes"`
	Retention       time.Duration `yaml:"retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	UpdateInterval  time.Duration `yaml:"update_interval"`
	TrustedDomains  []string      `yaml:"trusted_domains"`
	ReleaseAPIBase  string        `yaml:"release_api_base"`
	UserAgent       string        `yaml:"user_agent"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	MaxPackageBytes int64         `yaml:"max_package_bytes"`
	Keyring         string        `yaml:"keyring"`
	Listen          string        `yaml:"listen"`
	Store           StoreSettings `yaml:"store"`
	Events          EventSettings `yaml:"events"`
}

// Default returns settings with every field populated
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "resolvd")
	}
	return filepath.Join(os.TempDir(), "resolvd")
}

func (s *Settings) applyDefaults() {
	if s.CacheDir == "" {
		s.CacheDir = defaultCacheDir()
	}
	if s.MaxCacheBytes == 0 {
		s.MaxCacheBytes = 256 << 20
	}
	if s.Retention == 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = time.Hour
	}
	if s.UpdateInterval == 0 {
		s.UpdateInterval = 6 * time.Hour
	}
	if s.ReleaseAPIBase == "" {
		s.ReleaseAPIBase = "https://api.github.com"
	}
	if s.UserAgent == "" {
		s.UserAgent = "resolvd/1.0 (+package-fetch)"
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.MaxPackageBytes == 0 {
		s.MaxPackageBytes = 50 << 20
	}
	if s.Listen == "" {
		s.Listen = "127.0.0.1:8765"
	}
	if s.Store.Backend == "" {
		s.Store.Backend = StoreFile
	}
	if s.Store.Path == "" {
		s.Store.Path = filepath.Join(s.CacheDir, "configs.json")
	}
	if s.Events.Subject == "" {
		s.Events.Subject = "resolvd.events"
	}
}

// Validate checks value ranges and the store backend
func (s *Settings) Validate() error {
	switch {
	case s.MaxCacheBytes < 0:
		return fmt.Errorf("max_cache_bytes must be positive")
	case s.MaxPackageBytes < 0:
		return fmt.Errorf("max_package_bytes must be positive")
	case s.Retention < 0, s.SweepInterval < 0, s.UpdateInterval < 0:
		return fmt.Errorf("intervals must be positive")
	case s.ConnectTimeout < 0, s.ReadTimeout < 0:
		return fmt.Errorf("timeouts must be positive")
	}

	switch s.Store.Backend {
	case StoreFile:
	case StoreRedis:
		if s.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", s.Store.Backend)
	}
	return nil
}

// Load reads settings from path. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	s := &Settings{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logrus.Debugf("Settings file %s not found, using defaults", path)
		case err != nil:
			return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: err}
		default:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("failed to parse %s: %w", path, err)}
			}
		}
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: err}
	}
	return s, nil
}
