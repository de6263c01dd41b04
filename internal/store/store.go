// Package store persists package source configurations as a serialized
// JSON document under a single string key.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ralt/resolvd/internal/models"
)

// ConfigsKey is the single key the configuration document lives under
const ConfigsKey = "package_configs"

// Store loads and saves the full set of package configurations
type Store interface {
	Load(ctx context.Context) (map[string]models.PackageConfig, error)
	Save(ctx context.Context, configs map[string]models.PackageConfig) error
}

func encode(configs map[string]models.PackageConfig) (string, error) {
	if configs == nil {
		configs = map[string]models.PackageConfig{}
	}
	data, err := json.Marshal(configs)
	if err != nil {
		return "", fmt.Errorf("failed to encode package configs: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (map[string]models.PackageConfig, error) {
	configs := make(map[string]models.PackageConfig)
	if raw == "" {
		return configs, nil
	}
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("failed to decode package configs: %w", err)
	}
	for key, cfg := range configs {
		if cfg.Key == "" {
			cfg.Key = key
			configs[key] = cfg
		}
	}
	return configs, nil
}
