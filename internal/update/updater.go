// Package update discovers newer package versions and swaps them in with
// rollback on failure.
package update

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/events"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultCheckInterval applies to configs without their own interval
const DefaultCheckInterval = 6 * time.Hour

// Options configures an Updater
type Options struct {
	Manager *manager.Manager
	Client  Doer
	APIBase string
	// Strategies replaces the default release API, sidecar, headers chain
	Strategies []Strategy
	// DefaultInterval is used for configs whose UpdateInterval is zero
	DefaultInterval time.Duration
	Clock           func() time.Time
}

// Updater checks for and applies package updates
type Updater struct {
	mgr        *manager.Manager
	strategies []Strategy
	interval   time.Duration
	clock      func() time.Time

	mu          sync.Mutex
	lastChecked map[string]time.Time
	latest      map[string]models.UpdateInfo
	// stamps holds the Last-Modified stamp of the last update applied
	// from the header strategy
	stamps map[string]string
}

// New creates an Updater
func New(opts Options) *Updater {
	if opts.Strategies == nil {
		opts.Strategies = []Strategy{
			&ReleaseAPI{Client: opts.Client, Base: opts.APIBase},
			&Sidecar{Client: opts.Client},
			&Headers{Client: opts.Client},
		}
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Updater{
		mgr:         opts.Manager,
		strategies:  opts.Strategies,
		interval:    opts.DefaultInterval,
		clock:       opts.Clock,
		lastChecked: make(map[string]time.Time),
		latest:      make(map[string]models.UpdateInfo),
		stamps:      make(map[string]string),
	}
}

// Latest returns the most recent check result for key
func (u *Updater) Latest(key string) (models.UpdateInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	info, ok := u.latest[key]
	return info, ok
}

// CheckUpdate runs the discovery strategies in order; the first that
// succeeds decides the result
func (u *Updater) CheckUpdate(ctx context.Context, key string, cfg models.PackageConfig) (*models.UpdateInfo, error) {
	log := logrus.WithField("package", key)

	var remote *Remote
	var strategy string
	var stamped bool
	var lastErr error
	for _, s := range u.strategies {
		r, err := s.Discover(ctx, cfg)
		if err != nil {
			log.Debugf("Update strategy %s failed: %v", s.Name(), err)
			lastErr = err
			continue
		}
		remote, strategy = r, s.Name()
		_, stamped = s.(*Headers)
		break
	}

	now := u.clock()
	u.mu.Lock()
	u.lastChecked[key] = now
	u.mu.Unlock()

	if remote == nil {
		if lastErr == nil {
			lastErr = errors.New("no update strategy configured")
		}
		return nil, &models.PackageError{Type: models.ErrUpdateCheckFailed, Package: key, Err: lastErr}
	}

	current := ""
	if desc, ok := u.mgr.Descriptor(key); ok {
		current = desc.Version
	}
	available := IsNewer(current, remote.Version)
	if stamped && current != "" {
		// A date stamp is only comparable with another date stamp
		available = IsNewer(u.stampBaseline(key), remote.Version)
	}

	info := models.UpdateInfo{
		Key:             key,
		CurrentVersion:  current,
		LatestVersion:   remote.Version,
		UpdateAvailable: available,
		UpdateURL:       remote.URL,
		UpdateSize:      remote.Size,
		ReleaseNotes:    remote.Notes,
		Strategy:        strategy,
		CheckedAt:       now,
	}

	u.mu.Lock()
	u.latest[key] = info
	u.mu.Unlock()

	if info.UpdateAvailable {
		log.Infof("Update available: %s -> %s (via %s)", current, remote.Version, strategy)
		u.mgr.Bus().Publish(events.UpdateAvailable{Key: key, Info: info})
	}
	return &info, nil
}

// stampBaseline is the date stamp a Last-Modified version is compared
// with: the stamp of the last header update applied, else the time the
// active bytes were downloaded
func (u *Updater) stampBaseline(key string) string {
	u.mu.Lock()
	stamp, ok := u.stamps[key]
	u.mu.Unlock()
	if ok {
		return stamp
	}
	if t, ok := u.mgr.FetchedAt(key); ok {
		return t.UTC().Format(DateStampLayout)
	}
	return ""
}

// CheckAllUpdates checks every enabled auto-update config concurrently.
// Failures are reported per key and do not affect the other checks.
func (u *Updater) CheckAllUpdates(ctx context.Context) ([]models.UpdateInfo, map[string]error) {
	return u.checkConfigs(ctx, u.autoUpdateConfigs(false))
}

func (u *Updater) autoUpdateConfigs(dueOnly bool) []models.PackageConfig {
	now := u.clock()
	var out []models.PackageConfig
	for _, cfg := range u.mgr.Configs() {
		if !cfg.Enabled || !cfg.AutoUpdate {
			continue
		}
		if dueOnly {
			interval := cfg.UpdateInterval
			if interval <= 0 {
				interval = u.interval
			}
			u.mu.Lock()
			last, seen := u.lastChecked[cfg.Key]
			u.mu.Unlock()
			if seen && now.Sub(last) < interval {
				continue
			}
		}
		out = append(out, cfg)
	}
	return out
}

func (u *Updater) checkConfigs(ctx context.Context, configs []models.PackageConfig) ([]models.UpdateInfo, map[string]error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	infos := make([]models.UpdateInfo, 0, len(configs))
	errs := make(map[string]error)

	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg models.PackageConfig) {
			defer wg.Done()
			info, err := u.CheckUpdate(ctx, cfg.Key, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[cfg.Key] = err
				return
			}
			infos = append(infos, *info)
		}(cfg)
	}
	wg.Wait()
	return infos, errs
}

// AutoUpdate checks the configs whose interval has elapsed and applies
// any update found
func (u *Updater) AutoUpdate(ctx context.Context) {
	infos, errs := u.checkConfigs(ctx, u.autoUpdateConfigs(true))
	for key, err := range errs {
		logrus.WithField("package", key).Warnf("Update check failed: %v", err)
	}
	for _, info := range infos {
		if !info.UpdateAvailable {
			continue
		}
		if r, ok := u.apply(ctx, info).(Failure); ok {
			logrus.WithField("package", info.Key).Warnf("Automatic update failed: %v", r.Err)
		}
	}
}

// Update checks key and, when a newer version exists, replaces the active
// package with it. A failed load restores the previous version.
func (u *Updater) Update(ctx context.Context, key string) Result {
	cfg, ok := u.mgr.Config(key)
	if !ok {
		return Failure{Key: key, Err: models.NewError(models.ErrNotFound, key, "package is not configured")}
	}

	info, err := u.CheckUpdate(ctx, key, cfg)
	if err != nil {
		return Failure{Key: key, Err: err}
	}
	if !info.UpdateAvailable {
		return UpToDate{Info: *info}
	}
	return u.apply(ctx, *info)
}

func (u *Updater) apply(ctx context.Context, info models.UpdateInfo) Result {
	key := info.Key
	log := logrus.WithField("package", key)
	bus := u.mgr.Bus()

	bus.Publish(events.UpdateStarted{Key: key, FromVersion: info.CurrentVersion, URL: info.UpdateURL})

	// The backup is taken before anything is unloaded
	backup, hadBackup := u.mgr.Detach(key)

	loaded := u.mgr.LoadFrom(ctx, key, info.UpdateURL, info.LatestVersion)
	if success, ok := loaded.(manager.LoadSuccess); ok {
		if hadBackup {
			u.mgr.Discard(backup)
		}
		if info.Strategy == headersName {
			u.mu.Lock()
			u.stamps[key] = info.LatestVersion
			u.mu.Unlock()
		}
		if hadBackup && sameContent(backup.Descriptor, success.Descriptor) {
			log.Infof("Package is unchanged at %s", success.Descriptor.Version)
			info.UpdateAvailable = false
			u.mu.Lock()
			u.latest[key] = info
			u.mu.Unlock()
			return UpToDate{Info: info}
		}
		if cfg, ok := u.mgr.Config(key); ok && cfg.URL != info.UpdateURL {
			if err := u.mgr.SetURL(ctx, key, info.UpdateURL); err != nil {
				log.Warnf("Failed to persist new package url: %v", err)
			}
		}
		log.Infof("Updated from %s to %s", info.CurrentVersion, success.Descriptor.Version)
		bus.Publish(events.UpdateCompleted{Key: key, FromVersion: info.CurrentVersion, ToVersion: success.Descriptor.Version})
		return Success{Key: key, FromVersion: info.CurrentVersion, Descriptor: success.Descriptor}
	}

	loadErr := manager.Err(loaded)
	if !hadBackup {
		bus.Publish(events.UpdateFailed{Key: key, Reason: loadErr.Error()})
		return Failure{Key: key, Err: loadErr}
	}

	if err := u.mgr.Restore(ctx, backup); err != nil {
		log.Errorf("Rollback failed after update error %v: %v", loadErr, err)
		bus.Publish(events.UpdateFailed{Key: key, Reason: err.Error()})
		return Failure{Key: key, Err: &models.PackageError{
			Type:    models.ErrUpdateRollback,
			Package: key,
			Err:     errors.Join(loadErr, err),
		}}
	}

	log.Warnf("Update failed, rolled back to %s: %v", backup.Descriptor.Version, loadErr)
	bus.Publish(events.UpdateRolledBack{Key: key, Version: backup.Descriptor.Version, Reason: loadErr.Error()})
	return Failure{Key: key, Err: loadErr, RolledBack: true}
}

func sameContent(a, b models.PackageDescriptor) bool {
	return a.Version == b.Version && a.Checksum == b.Checksum
}
