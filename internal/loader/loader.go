package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
)

// SignatureSuffix is appended to a package URL to locate its detached signature
const SignatureSuffix = ".asc"

// ValidationError reports a package rejected by the security scan
type ValidationError struct {
	Info models.SecurityInfo
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("security scan returned %s (risk score %d): %v", e.Info.Result, e.Info.RiskScore, e.Info.Violations)
}

// Package is a registered, ready-to-instantiate package version
type Package struct {
	Descriptor models.PackageDescriptor
	Security   models.SecurityInfo
	FromCache  bool
	handle     *BundleHandle
}

// LoadOptions tunes a single Load call
type LoadOptions struct {
	// Force skips the cache and downloads the package again
	Force bool
	// VersionHint is used when the package carries no manifest version
	VersionHint string
}

// Options configures a Loader
type Options struct {
	Cache     *cache.Cache
	Validator *security.Validator
	Fetcher   Getter
	Registry  Registry
	Metrics   metrics.Recorder
}

// Loader downloads, validates and registers packages and owns the resolver
// instance cache keyed by package and class name
type Loader struct {
	cache     *cache.Cache
	validator *security.Validator
	fetcher   Getter
	registry  Registry
	metrics   metrics.Recorder

	mu        sync.RWMutex
	active    map[string]*Package
	instances map[string]map[string]Resolver
}

// New creates a Loader
func New(opts Options) *Loader {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Loader{
		cache:     opts.Cache,
		validator: opts.Validator,
		fetcher:   opts.Fetcher,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		active:    make(map[string]*Package),
		instances: make(map[string]map[string]Resolver),
	}
}

// Load makes the package at url the active version for key. progress, when
// set, is called as the load moves through its phases.
func (l *Loader) Load(ctx context.Context, key, url string, opts LoadOptions, progress func(models.PackageStatus)) (*Package, error) {
	if progress == nil {
		progress = func(models.PackageStatus) {}
	}

	progress(models.StatusDownloading)
	data, fromCache, err := l.obtain(ctx, key, url, opts.Force)
	if err != nil {
		return nil, err
	}

	progress(models.StatusValidating)
	info := l.validate(ctx, data, url, fromCache)
	if info.Result == models.ScanDangerous {
		return nil, &models.PackageError{Type: models.ErrValidationFailed, Package: key, Err: &ValidationError{Info: info}}
	}

	progress(models.StatusLoading)
	handle, err := l.registry.Register(data)
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrLoadFailed, Package: key, Err: err}
	}

	desc := models.PackageDescriptor{
		Key:       key,
		Name:      handle.Manifest.Name,
		Version:   handle.Manifest.Version,
		Vendor:    handle.Manifest.Vendor,
		URL:       url,
		FilePath:  l.cache.PathFor(key),
		FileSize:  int64(len(data)),
		Resolvers: handle.Resolvers(),
		LoadedAt:  time.Now(),
		Checksum:  info.Checksum,
	}
	if desc.Name == "" {
		desc.Name = key
	}
	if desc.Version == "" {
		desc.Version = opts.VersionHint
	}
	if desc.Version == "" {
		desc.Version = "0.0.0"
	}
	if desc.Checksum == "" {
		desc.Checksum = utils.SHA256Hex(data)
	}

	if !fromCache {
		if !l.cache.Put(key, data, desc) {
			logrus.Warnf("Package %s: cache write failed, operating without cache", key)
		}
	}

	pkg := &Package{Descriptor: desc, Security: info, FromCache: fromCache, handle: handle}
	l.Attach(pkg)
	return pkg, nil
}

func (l *Loader) obtain(ctx context.Context, key, url string, force bool) ([]byte, bool, error) {
	if !force {
		if entry, ok := l.cache.Entry(key); ok && entry.Descriptor.URL == url {
			if data, ok := l.cache.Get(key); ok {
				logrus.Debugf("Package %s served from cache", key)
				return data, true, nil
			}
		}
	}

	data, err := l.fetcher.Get(ctx, url)
	if err != nil {
		return nil, false, &models.PackageError{Type: models.ErrDownloadFailed, Package: key, Err: err}
	}
	if len(data) == 0 {
		return nil, false, models.NewError(models.ErrDownloadFailed, key, "empty response from %s", url)
	}
	logrus.Debugf("Package %s downloaded (%d bytes)", key, len(data))
	return data, false, nil
}

// validate runs the quick gate for cached bytes, which passed a full scan
// when they were stored, and the full scan for fresh downloads
func (l *Loader) validate(ctx context.Context, data []byte, url string, fromCache bool) models.SecurityInfo {
	if fromCache {
		result := l.validator.QuickCheck(data)
		if result == models.ScanSafe || result == models.ScanWarning {
			return models.SecurityInfo{
				Checksum:  utils.SHA256Hex(data),
				Trusted:   result == models.ScanSafe && l.validator.IsTrusted(url),
				Result:    result,
				ScannedAt: time.Now(),
			}
		}
	}

	var sig []byte
	if l.validator.HasVerifier() {
		s, err := l.fetcher.Get(ctx, url+SignatureSuffix)
		switch {
		case err == nil:
			sig = s
		case fetch.IsNotFound(err):
			logrus.Debugf("No detached signature at %s%s", url, SignatureSuffix)
		default:
			logrus.Warnf("Failed to fetch signature for %s: %v", url, err)
		}
	}
	return l.validator.ValidateSigned(data, sig, url)
}

// Active returns the active package for key
func (l *Loader) Active(key string) (*Package, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pkg, ok := l.active[key]
	return pkg, ok
}

// Attach makes pkg the active version for its key, releasing whatever was
// active before unless it is pkg itself
func (l *Loader) Attach(pkg *Package) {
	key := pkg.Descriptor.Key

	l.mu.Lock()
	prev := l.active[key]
	l.active[key] = pkg
	stale := l.instances[key]
	delete(l.instances, key)
	l.mu.Unlock()

	destroyAll(stale)
	if prev != nil && prev != pkg {
		l.registry.Release(prev.handle)
	}
}

// Detach removes the active package for key without releasing its bundle,
// so it can be attached again. Cached instances are destroyed.
func (l *Loader) Detach(key string) (*Package, bool) {
	l.mu.Lock()
	pkg, ok := l.active[key]
	delete(l.active, key)
	stale := l.instances[key]
	delete(l.instances, key)
	l.mu.Unlock()

	destroyAll(stale)
	return pkg, ok
}

// Release frees a detached package for good
func (l *Loader) Release(pkg *Package) {
	if pkg == nil {
		return
	}
	l.registry.Release(pkg.handle)
}

// Unload detaches and releases the active package for key
func (l *Loader) Unload(key string) bool {
	pkg, ok := l.Detach(key)
	if ok {
		l.Release(pkg)
	}
	return ok
}

// Instantiate returns the cached resolver instance for key and className,
// creating it on first use
func (l *Loader) Instantiate(ctx context.Context, key, className string) (Resolver, error) {
	l.mu.RLock()
	pkg, ok := l.active[key]
	inst := l.instances[key][className]
	l.mu.RUnlock()

	if !ok {
		return nil, models.NewError(models.ErrNotFound, key, "package is not loaded")
	}
	if inst != nil {
		return inst, nil
	}

	start := time.Now()
	inst, err := l.registry.Instantiate(ctx, pkg.handle, className)
	l.metrics.ObserveInstantiate(key, metrics.Outcome(err), time.Since(start).Seconds())
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrLoadFailed, Package: key, Err: err}
	}

	l.mu.Lock()
	if l.active[key] != pkg {
		// Replaced while instantiating
		l.mu.Unlock()
		inst.Destroy()
		return nil, models.NewError(models.ErrLoadFailed, key, "package changed during instantiation")
	}
	if existing := l.instances[key][className]; existing != nil {
		l.mu.Unlock()
		inst.Destroy()
		return existing, nil
	}
	if l.instances[key] == nil {
		l.instances[key] = make(map[string]Resolver)
	}
	l.instances[key][className] = inst
	l.mu.Unlock()

	return inst, nil
}

// InstanceCount reports how many resolver instances are cached for key
func (l *Loader) InstanceCount(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.instances[key])
}

// IsValidation reports whether err is a security rejection and returns
// the scan that caused it
func IsValidation(err error) (models.SecurityInfo, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Info, true
	}
	return models.SecurityInfo{}, false
}

func destroyAll(instances map[string]Resolver) {
	for _, inst := range instances {
		inst.Destroy()
	}
}
