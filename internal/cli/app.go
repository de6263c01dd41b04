package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/config"
	"github.com/ralt/resolvd/internal/engine"
	"github.com/ralt/resolvd/internal/events"
	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/ralt/resolvd/internal/signer"
	"github.com/ralt/resolvd/internal/store"
	"github.com/ralt/resolvd/internal/update"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app is the fully wired set of components a command works with
type app struct {
	settings   *config.Settings
	configPath string

	prom       *metrics.Prom
	client     *fetch.Client
	validator  *security.Validator
	cache      *cache.Cache
	store      store.Store
	bus        *events.Bus
	manager    *manager.Manager
	updater    *update.Updater
	dispatcher *engine.Dispatcher

	closers []func()
}

// loadSettings reads the settings file named by --config and applies the
// command line overrides
func loadSettings(cmd *cobra.Command) (*config.Settings, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultFile
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		defaults := filepath.Join(settings.CacheDir, "configs.json")
		settings.CacheDir = dir
		if settings.Store.Path == defaults {
			settings.Store.Path = filepath.Join(dir, "configs.json")
		}
	}
	return settings, path, nil
}

// newApp wires every component from the settings and reads the persisted
// package configurations
func newApp(cmd *cobra.Command) (*app, error) {
	settings, path, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Settings: %+v", settings)

	a := &app{settings: settings, configPath: path, prom: metrics.NewProm("resolvd")}

	a.client = fetch.NewClient(fetch.Options{
		UserAgent:      settings.UserAgent,
		ConnectTimeout: settings.ConnectTimeout,
		ReadTimeout:    settings.ReadTimeout,
		MaxBytes:       settings.MaxPackageBytes,
	})

	var verifier signer.Verifier
	if settings.Keyring != "" {
		v, err := signer.NewGPGVerifier(settings.Keyring)
		if err != nil {
			return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("failed to read keyring: %w", err)}
		}
		verifier = v
		logrus.Debugf("Signature verification enabled with %s", settings.Keyring)
	}
	a.validator = security.NewValidator(security.Options{
		MaxPackageBytes: settings.MaxPackageBytes,
		TrustedDomains:  settings.TrustedDomains,
		Verifier:        verifier,
	})

	a.cache, err = cache.Open(cache.Options{
		Dir:           settings.CacheDir,
		MaxBytes:      settings.MaxCacheBytes,
		Retention:     settings.Retention,
		SweepInterval: settings.SweepInterval,
		Metrics:       a.prom,
	})
	if err != nil {
		return nil, err
	}

	if err := a.openStore(); err != nil {
		a.cache.Close()
		return nil, err
	}

	a.bus = events.NewBus(a.prom)
	registry := loader.NewLuaRegistry(a.client)
	l := loader.New(loader.Options{
		Cache:     a.cache,
		Validator: a.validator,
		Fetcher:   a.client,
		Registry:  registry,
		Metrics:   a.prom,
	})

	a.manager = manager.New(manager.Options{
		Loader:         l,
		Cache:          a.cache,
		Store:          a.store,
		Bus:            a.bus,
		Metrics:        a.prom,
		UpdateInterval: settings.UpdateInterval,
	})
	a.updater = update.New(update.Options{
		Manager:         a.manager,
		Client:          a.client,
		APIBase:         settings.ReleaseAPIBase,
		DefaultInterval: settings.UpdateInterval,
	})
	a.manager.SetAutoUpdater(a.updater)

	// No alternate-script engine ships; the dispatcher skips that candidate
	a.dispatcher = engine.NewDispatcher(engine.Options{
		Engines: []engine.Engine{
			engine.NewPackageEngine(a.manager),
			engine.NewScriptEngine(a.client, a.validator, registry),
			engine.NewMarkupEngine(a.client),
		},
		Metrics: a.prom,
	})

	if err := a.manager.Open(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	switch a.settings.Store.Backend {
	case config.StoreRedis:
		rs, err := store.NewRedisStore(a.settings.Store.RedisURL, a.settings.Store.RedisKey)
		if err != nil {
			return err
		}
		a.store = rs
		a.closers = append(a.closers, func() { rs.Close() })
	default:
		a.store = store.NewFileStore(a.settings.Store.Path)
	}
	return nil
}

// forwardEvents publishes every lifecycle event to NATS when configured
func (a *app) forwardEvents() error {
	if a.settings.Events.NatsURL == "" {
		return nil
	}
	sink, err := events.DialNats(a.settings.Events.NatsURL, a.settings.Events.Subject)
	if err != nil {
		return err
	}
	a.bus.AddSink(sink)
	a.closers = append(a.closers, sink.Close)
	logrus.Infof("Forwarding events to %s on %s.*", a.settings.Events.NatsURL, a.settings.Events.Subject)
	return nil
}

// Close stops background work and releases every component
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			logrus.Warnf("Failed to flush cache index: %v", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// configKey accepts either a package key or the URL it was derived from
func (a *app) configKey(arg string) string {
	if _, ok := a.manager.Config(arg); ok {
		return arg
	}
	return models.KeyFromURL(arg)
}
