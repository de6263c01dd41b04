package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
)

// PackageEngine serves sources whose resolver class lives in a package
// managed by the package manager
type PackageEngine struct {
	mgr *manager.Manager

	mu          sync.Mutex
	initialized map[string]*initState
}

// initState serializes init calls for one source and resolver class
type initState struct {
	mu sync.Mutex
	r  loader.Resolver
}

// NewPackageEngine creates a PackageEngine on top of mgr
func NewPackageEngine(mgr *manager.Manager) *PackageEngine {
	return &PackageEngine{mgr: mgr, initialized: make(map[string]*initState)}
}

// Type implements Engine
func (e *PackageEngine) Type() models.EngineType { return models.EnginePackage }

// PackageURL extracts the package location from a source's jar field,
// which may carry a checksum suffix after a semicolon
func PackageURL(jar string) string {
	if i := strings.Index(jar, ";"); i >= 0 {
		jar = jar[:i]
	}
	return strings.TrimSpace(jar)
}

// Execute implements Engine
func (e *PackageEngine) Execute(ctx context.Context, src models.Source, req models.Request) (string, error) {
	pkgURL := PackageURL(src.Jar)
	if pkgURL == "" {
		return "", fmt.Errorf("source %s has no package", src.Key)
	}
	if src.API == "" {
		return "", fmt.Errorf("source %s names no resolver class", src.Key)
	}

	key, err := e.ensureLoaded(ctx, src, pkgURL)
	if err != nil {
		return "", err
	}

	r := e.mgr.CreateResolverInstance(ctx, key, src.API)
	if r == nil {
		return "", models.NewError(models.ErrLoadFailed, key, "resolver %s unavailable", src.API)
	}
	if err := e.initialize(ctx, key, src, r); err != nil {
		return "", err
	}

	start := time.Now()
	out, err := loader.Invoke(ctx, r, req)
	e.mgr.RecordInvocation(key, time.Since(start), err != nil)
	return out, err
}

func (e *PackageEngine) ensureLoaded(ctx context.Context, src models.Source, pkgURL string) (string, error) {
	key := models.KeyFromURL(pkgURL)
	if _, ok := e.mgr.Config(key); !ok {
		logrus.WithFields(logrus.Fields{"source": src.Key, "package": key}).Infof("Registering package %s", pkgURL)
		if _, err := e.mgr.AddConfig(ctx, models.PackageConfig{Key: key, URL: pkgURL, Enabled: true}); err != nil {
			return "", err
		}
	} else if e.mgr.Status(key) != models.StatusLoaded {
		if err := manager.Err(e.mgr.Load(ctx, key, false)); err != nil {
			return "", err
		}
	}

	if s := e.mgr.Status(key); s != models.StatusLoaded {
		return "", models.NewError(models.ErrLoadFailed, key, "package is %s", s)
	}
	return key, nil
}

// initialize runs the resolver's init hook once per instance
func (e *PackageEngine) initialize(ctx context.Context, key string, src models.Source, r loader.Resolver) error {
	id := key + "/" + src.Key + "/" + src.API

	e.mu.Lock()
	st, ok := e.initialized[id]
	if !ok {
		st = &initState{}
		e.initialized[id] = st
	}
	e.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.r == r {
		return nil
	}
	if err := r.Initialize(ctx, src.Ext); err != nil {
		return &models.PackageError{Type: models.ErrLoadFailed, Package: key, Err: fmt.Errorf("initialize %s: %w", src.API, err)}
	}
	st.r = r
	return nil
}

// Close forgets initialization state; the manager owns the instances
func (e *PackageEngine) Close() {
	e.mu.Lock()
	e.initialized = make(map[string]*initState)
	e.mu.Unlock()
}
