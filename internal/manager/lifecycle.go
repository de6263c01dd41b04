package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/events"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
)

// Load makes the configured package for key active. Without force an
// already loaded package is left alone.
func (m *Manager) Load(ctx context.Context, key string, force bool) LoadResult {
	cfg, ok := m.Config(key)
	if !ok {
		return failure(models.NewError(models.ErrNotFound, key, "package is not configured"))
	}
	if !cfg.Enabled {
		return failure(models.NewError(models.ErrConfigInvalid, key, "package is disabled"))
	}
	return m.load(ctx, key, cfg.URL, loader.LoadOptions{Force: force}, force)
}

// LoadFrom loads key from url, bypassing the cache. versionHint names the
// version when the package carries no manifest.
func (m *Manager) LoadFrom(ctx context.Context, key, url, versionHint string) LoadResult {
	if _, ok := m.Config(key); !ok {
		return failure(models.NewError(models.ErrNotFound, key, "package is not configured"))
	}
	return m.load(ctx, key, url, loader.LoadOptions{Force: true, VersionHint: versionHint}, true)
}

func (m *Manager) load(ctx context.Context, key, url string, opts loader.LoadOptions, force bool) LoadResult {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if !force && m.Status(key) == models.StatusLoaded {
		if pkg, ok := m.loader.Active(key); ok {
			return LoadSuccess{Descriptor: pkg.Descriptor, Security: pkg.Security, FromCache: true}
		}
	}

	m.bus.Publish(events.LoadStarted{Key: key, Force: force})
	start := time.Now()

	pkg, err := m.loader.Load(ctx, key, url, opts, func(s models.PackageStatus) {
		m.setStatus(key, s)
	})
	elapsed := time.Since(start)
	m.metrics.ObservePackageLoad(key, metrics.Outcome(err), elapsed.Seconds())

	if err != nil {
		m.setStatus(key, models.StatusError)
		logrus.WithField("package", key).Warnf("Load failed: %v", err)

		ev := events.LoadFailure{Key: key, Reason: err.Error()}
		var pe *models.PackageError
		if errors.As(err, &pe) {
			ev.ErrType = pe.Type.String()
		}
		m.bus.Publish(ev)
		if info, ok := loader.IsValidation(err); ok {
			m.bus.Publish(events.SecurityWarning{Key: key, Security: info})
		}
		return failure(err)
	}

	if pkg.Security.Result != models.ScanSafe {
		logrus.WithField("package", key).Warnf("Loaded with security result %s: %v", pkg.Security.Result, pkg.Security.Violations)
		m.bus.Publish(events.SecurityWarning{Key: key, Security: pkg.Security})
	}

	m.mu.Lock()
	m.status[key] = models.StatusLoaded
	m.perf[key] = models.PerformanceMetrics{LoadLatency: elapsed}
	m.mu.Unlock()

	logrus.WithField("package", key).Infof("Loaded %s version %s in %v", pkg.Descriptor.Name, pkg.Descriptor.Version, elapsed)
	m.bus.Publish(events.LoadSuccess{Key: key, Descriptor: pkg.Descriptor, Duration: elapsed, FromCache: pkg.FromCache})

	return LoadSuccess{Descriptor: pkg.Descriptor, Security: pkg.Security, FromCache: pkg.FromCache, Duration: elapsed}
}

// LoadEnabled loads every enabled package concurrently
func (m *Manager) LoadEnabled(ctx context.Context) map[string]LoadResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]LoadResult)

	for _, cfg := range m.Configs() {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			r := m.Load(ctx, key, false)
			mu.Lock()
			results[key] = r
			mu.Unlock()
		}(cfg.Key)
	}
	wg.Wait()
	return results
}

// Unload releases the resolver instances of key. Cached bytes stay on disk.
// It reports false when nothing was loaded.
func (m *Manager) Unload(key string) bool {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if !m.loader.Unload(key) {
		return false
	}
	m.markUnloaded(key)
	return true
}

// Detach unloads key but keeps its package registered so Restore can bring
// it back
func (m *Manager) Detach(key string) (*loader.Package, bool) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	pkg, ok := m.loader.Detach(key)
	if !ok {
		return nil, false
	}
	m.markUnloaded(key)
	return pkg, true
}

func (m *Manager) markUnloaded(key string) {
	m.mu.Lock()
	if _, ok := m.configs[key]; ok {
		m.status[key] = models.StatusUnloaded
	}
	delete(m.perf, key)
	m.mu.Unlock()

	logrus.WithField("package", key).Info("Unloaded")
	m.bus.Publish(events.Unloaded{Key: key})
}

// Restore re-activates a detached package and checks that its resolvers
// can still be constructed
func (m *Manager) Restore(ctx context.Context, pkg *loader.Package) error {
	if pkg == nil {
		return models.NewError(models.ErrUpdateRollback, "", "no package to restore")
	}
	key := pkg.Descriptor.Key

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.loader.Attach(pkg)
	if len(pkg.Descriptor.Resolvers) > 0 {
		if _, err := m.loader.Instantiate(ctx, key, pkg.Descriptor.Resolvers[0]); err != nil {
			m.setStatus(key, models.StatusError)
			return &models.PackageError{Type: models.ErrUpdateRollback, Package: key, Err: err}
		}
	}

	m.mu.Lock()
	m.status[key] = models.StatusLoaded
	m.perf[key] = models.PerformanceMetrics{}
	m.mu.Unlock()
	logrus.WithField("package", key).Infof("Restored version %s", pkg.Descriptor.Version)
	return nil
}

// Discard frees a detached package that will not be restored
func (m *Manager) Discard(pkg *loader.Package) {
	m.loader.Release(pkg)
}

// CreateResolverInstance returns a resolver of className from the package
// loaded for key, or nil when the package is missing or has no such class
func (m *Manager) CreateResolverInstance(ctx context.Context, key, className string) loader.Resolver {
	start := time.Now()
	res, err := m.loader.Instantiate(ctx, key, className)
	elapsed := time.Since(start)

	if err != nil {
		logrus.WithFields(logrus.Fields{"package": key, "class": className}).Warnf("Resolver creation failed: %v", err)
		m.bus.Publish(events.ResolverFailed{Key: key, Class: className, Reason: err.Error()})
		return nil
	}

	m.mu.Lock()
	if p, ok := m.perf[key]; ok {
		p.InstantiateLatency = elapsed
		m.perf[key] = p
	}
	m.mu.Unlock()

	m.bus.Publish(events.ResolverCreated{Key: key, Class: className, Duration: elapsed})
	return res
}

// RecordInvocation accounts one resolver call against key
func (m *Manager) RecordInvocation(key string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[key]; !ok {
		return
	}
	m.perf[key] = m.perf[key].WithInvocation(d, failed, time.Now())
}
