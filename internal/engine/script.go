package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/sirupsen/logrus"
)

// ScriptEngine runs standalone Lua resolver scripts referenced by a
// source's API URL
type ScriptEngine struct {
	fetcher   loader.Getter
	validator *security.Validator
	registry  *loader.LuaRegistry

	mu        sync.Mutex
	instances map[string]*scriptInstance
}

type scriptInstance struct {
	api      string
	security models.SecurityInfo
	resolver loader.Resolver
}

// NewScriptEngine creates a ScriptEngine
func NewScriptEngine(fetcher loader.Getter, validator *security.Validator, registry *loader.LuaRegistry) *ScriptEngine {
	return &ScriptEngine{
		fetcher:   fetcher,
		validator: validator,
		registry:  registry,
		instances: make(map[string]*scriptInstance),
	}
}

// Type implements Engine
func (e *ScriptEngine) Type() models.EngineType { return models.EngineScript }

// Execute implements Engine
func (e *ScriptEngine) Execute(ctx context.Context, src models.Source, req models.Request) (string, error) {
	inst, err := e.instance(ctx, src)
	if err != nil {
		return "", err
	}
	return loader.Invoke(ctx, inst.resolver, req)
}

func (e *ScriptEngine) instance(ctx context.Context, src models.Source) (*scriptInstance, error) {
	if src.API == "" {
		return nil, fmt.Errorf("source %s has no script url", src.Key)
	}

	e.mu.Lock()
	inst, ok := e.instances[src.Key]
	e.mu.Unlock()
	if ok && inst.api == src.API {
		return inst, nil
	}

	created, err := e.create(ctx, src)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.instances[src.Key]; ok {
		if cur.api == src.API {
			// A concurrent request got there first
			created.resolver.Destroy()
			return cur, nil
		}
		cur.resolver.Destroy()
	}
	e.instances[src.Key] = created
	return created, nil
}

func (e *ScriptEngine) create(ctx context.Context, src models.Source) (*scriptInstance, error) {
	code, err := e.fetcher.Get(ctx, src.API)
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrDownloadFailed, Package: src.Key, Err: err}
	}

	name := scriptName(src.API)
	info := e.validator.ScanScript(name, code, src.API)
	if info.Result == models.ScanDangerous {
		return nil, &models.PackageError{
			Type:    models.ErrValidationFailed,
			Package: src.Key,
			Err:     fmt.Errorf("script rejected with risk score %d: %s", info.RiskScore, strings.Join(info.Violations, "; ")),
		}
	}
	if info.Result != models.ScanSafe {
		logrus.WithField("source", src.Key).Warnf("Script %s scanned as %s", src.API, info.Result)
	}

	r, err := e.registry.FromSource(ctx, name, string(code))
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrLoadFailed, Package: src.Key, Err: err}
	}
	if err := r.Initialize(ctx, src.Ext); err != nil {
		r.Destroy()
		return nil, &models.PackageError{Type: models.ErrLoadFailed, Package: src.Key, Err: err}
	}

	logrus.WithField("source", src.Key).Infof("Loaded script %s (%d bytes)", src.API, len(code))
	return &scriptInstance{api: src.API, security: info, resolver: r}, nil
}

// Security returns the scan result of the script loaded for a source
func (e *ScriptEngine) Security(sourceKey string) (models.SecurityInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[sourceKey]
	if !ok {
		return models.SecurityInfo{}, false
	}
	return inst.security, true
}

// Forget destroys the script instance of a source
func (e *ScriptEngine) Forget(sourceKey string) {
	e.mu.Lock()
	inst, ok := e.instances[sourceKey]
	delete(e.instances, sourceKey)
	e.mu.Unlock()
	if ok {
		inst.resolver.Destroy()
	}
}

// Close destroys every script instance
func (e *ScriptEngine) Close() {
	e.mu.Lock()
	instances := e.instances
	e.instances = make(map[string]*scriptInstance)
	e.mu.Unlock()
	for _, inst := range instances {
		inst.resolver.Destroy()
	}
}

func scriptName(api string) string {
	if i := strings.IndexAny(api, "?#"); i >= 0 {
		api = api[:i]
	}
	base := path.Base(api)
	return strings.TrimSuffix(base, path.Ext(base))
}
