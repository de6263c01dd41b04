// Package manager orchestrates package configuration, lifecycle, events
// and per-package performance metrics.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/events"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/store"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
)

// AutoUpdater is invoked by the background auto-update loop
type AutoUpdater interface {
	AutoUpdate(ctx context.Context)
}

// Options configures a Manager
type Options struct {
	Loader  *loader.Loader
	Cache   *cache.Cache
	Store   store.Store
	Bus     *events.Bus
	Metrics metrics.Recorder
	// UpdateInterval is how often the auto-update loop runs
	UpdateInterval time.Duration
}

// Manager owns the configured packages and their lifecycle state
type Manager struct {
	loader   *loader.Loader
	cache    *cache.Cache
	store    store.Store
	bus      *events.Bus
	metrics  metrics.Recorder
	interval time.Duration

	mu      sync.RWMutex
	configs map[string]models.PackageConfig
	status  map[string]models.PackageStatus
	perf    map[string]models.PerformanceMetrics
	locks   map[string]*sync.Mutex
	updater AutoUpdater

	taskMu   sync.Mutex
	autoTask *utils.PeriodicTask
}

// New creates a Manager. Call Open to read persisted configurations.
func New(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Metrics)
	}
	return &Manager{
		loader:   opts.Loader,
		cache:    opts.Cache,
		store:    opts.Store,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		interval: opts.UpdateInterval,
		configs:  make(map[string]models.PackageConfig),
		status:   make(map[string]models.PackageStatus),
		perf:     make(map[string]models.PerformanceMetrics),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Bus returns the event bus lifecycle events are published on
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Open reads the persisted configurations
func (m *Manager) Open(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	configs, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			logrus.Warnf("Skipping invalid stored config %s: %v", key, err)
			continue
		}
		m.configs[key] = cfg
		if _, ok := m.status[key]; !ok {
			m.status[key] = models.StatusUnknown
		}
	}
	logrus.Infof("Loaded %d package configurations", len(m.configs))
	return nil
}

// SetAutoUpdater installs the component the auto-update loop delegates to
func (m *Manager) SetAutoUpdater(u AutoUpdater) {
	m.mu.Lock()
	m.updater = u
	m.mu.Unlock()
}

// Start launches the cache sweep and, when an interval is configured, the
// auto-update loop. Both stop on Close or when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.cache != nil {
		m.cache.Start(ctx)
	}

	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if m.autoTask != nil || m.interval <= 0 {
		return
	}
	m.autoTask = utils.StartPeriodic(ctx, m.interval, func(ctx context.Context) {
		m.mu.RLock()
		u := m.updater
		m.mu.RUnlock()
		if u != nil {
			u.AutoUpdate(ctx)
		}
	})
}

// Close cancels background tasks and flushes cache metadata
func (m *Manager) Close() error {
	m.taskMu.Lock()
	task := m.autoTask
	m.autoTask = nil
	m.taskMu.Unlock()
	task.Stop()

	if m.cache != nil {
		return m.cache.Close()
	}
	return nil
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) setStatus(key string, s models.PackageStatus) {
	m.mu.Lock()
	m.status[key] = s
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	snapshot := make(map[string]models.PackageConfig, len(m.configs))
	for k, v := range m.configs {
		snapshot[k] = v
	}
	m.mu.RUnlock()
	return m.store.Save(ctx, snapshot)
}

// AddConfig validates and stores cfg, then loads it when enabled. The
// stored, normalized configuration is returned.
func (m *Manager) AddConfig(ctx context.Context, cfg models.PackageConfig) (models.PackageConfig, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	m.mu.Lock()
	m.configs[cfg.Key] = cfg
	if _, ok := m.status[cfg.Key]; !ok {
		m.status[cfg.Key] = models.StatusUnknown
	}
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		logrus.Warnf("Failed to persist package configs: %v", err)
	}
	logrus.Infof("Added package source %s (%s)", cfg.Key, cfg.URL)

	if cfg.Enabled {
		if err := Err(m.Load(ctx, cfg.Key, false)); err != nil {
			logrus.Warnf("Initial load of %s failed: %v", cfg.Key, err)
		}
	}
	return cfg, nil
}

// RemoveConfig unloads and forgets a package source
func (m *Manager) RemoveConfig(ctx context.Context, key string) bool {
	m.mu.RLock()
	_, ok := m.configs[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	m.Unload(key)

	m.mu.Lock()
	delete(m.configs, key)
	delete(m.status, key)
	delete(m.perf, key)
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		logrus.Warnf("Failed to persist package configs: %v", err)
	}
	logrus.Infof("Removed package source %s", key)
	return true
}

// SetURL points a configured package at a new URL, keeping its key
func (m *Manager) SetURL(ctx context.Context, key, url string) error {
	m.mu.Lock()
	cfg, ok := m.configs[key]
	if !ok {
		m.mu.Unlock()
		return models.NewError(models.ErrNotFound, key, "package is not configured")
	}
	cfg.URL = url
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.configs[key] = cfg
	m.mu.Unlock()

	return m.persist(ctx)
}

// Config returns the configuration of key
func (m *Manager) Config(key string) (models.PackageConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[key]
	return cfg, ok
}

// Configs returns every configuration, highest priority first
func (m *Manager) Configs() []models.PackageConfig {
	m.mu.RLock()
	out := make([]models.PackageConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Keys returns the configured package keys in priority order
func (m *Manager) Keys() []string {
	configs := m.Configs()
	keys := make([]string, len(configs))
	for i, cfg := range configs {
		keys[i] = cfg.Key
	}
	return keys
}

// Status returns the lifecycle state of key
func (m *Manager) Status(key string) models.PackageStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[key]
}

// Metrics returns the performance counters of key
func (m *Manager) Metrics(key string) models.PerformanceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perf[key]
}

// Descriptor returns the descriptor of the active package for key
func (m *Manager) Descriptor(key string) (models.PackageDescriptor, bool) {
	pkg, ok := m.loader.Active(key)
	if !ok {
		return models.PackageDescriptor{}, false
	}
	return pkg.Descriptor, true
}

// FetchedAt is when the bytes of the active package for key were
// downloaded. Packages served from the cache report the cache entry's
// creation time.
func (m *Manager) FetchedAt(key string) (time.Time, bool) {
	desc, ok := m.Descriptor(key)
	if !ok {
		return time.Time{}, false
	}
	if m.cache != nil {
		if entry, ok := m.cache.Entry(key); ok && entry.Descriptor.Checksum == desc.Checksum {
			return entry.CreatedAt, true
		}
	}
	return desc.LoadedAt, true
}

// Security returns the scan of the active package for key
func (m *Manager) Security(key string) (models.SecurityInfo, bool) {
	pkg, ok := m.loader.Active(key)
	if !ok {
		return models.SecurityInfo{}, false
	}
	return pkg.Security, true
}
