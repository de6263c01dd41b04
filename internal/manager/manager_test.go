package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ralt/resolvd/internal/archive"
	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/events"
	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/loader/loadertest"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/ralt/resolvd/internal/store"
)

const srcURL = "https://raw.githubusercontent.com/u/r/main/x.jar"

type mapGetter struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (g *mapGetter) set(url string, data []byte) {
	g.mu.Lock()
	g.files[url] = data
	g.mu.Unlock()
}

func (g *mapGetter) Get(ctx context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.files[url]
	if !ok {
		return nil, &fetch.StatusError{URL: url, StatusCode: 404}
	}
	return data, nil
}

type fixture struct {
	mgr    *Manager
	getter *mapGetter
	cache  *cache.Cache
	store  store.Store
	events <-chan events.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(cache.Options{Dir: filepath.Join(dir, "cache")})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	getter := &mapGetter{files: make(map[string][]byte)}
	l := loader.New(loader.Options{
		Cache:     c,
		Validator: security.NewValidator(security.Options{}),
		Fetcher:   getter,
		Registry:  loader.NewLuaRegistry(getter),
	})
	s := store.NewFileStore(filepath.Join(dir, "configs.json"))
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(256)
	t.Cleanup(cancel)

	return &fixture{
		mgr:    New(Options{Loader: l, Cache: c, Store: s, Bus: bus}),
		getter: getter,
		cache:  c,
		store:  s,
		events: ch,
	}
}

func (f *fixture) kinds() []events.Kind {
	var out []events.Kind
	for {
		select {
		case env := <-f.events:
			out = append(out, env.Kind)
		default:
			return out
		}
	}
}

func count(kinds []events.Kind, k events.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func (f *fixture) add(t *testing.T, url string, enabled bool) models.PackageConfig {
	t.Helper()
	cfg, err := f.mgr.AddConfig(context.Background(), models.PackageConfig{URL: url, Enabled: enabled, AutoUpdate: true})
	if err != nil {
		t.Fatalf("AddConfig failed: %v", err)
	}
	return cfg
}

func TestAddConfigLoadsEnabledPackage(t *testing.T) {
	f := newFixture(t)
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))

	cfg := f.add(t, srcURL, true)
	if cfg.Key != models.KeyFromURL(srcURL) {
		t.Errorf("expected derived key, got %s", cfg.Key)
	}
	if s := f.mgr.Status(cfg.Key); s != models.StatusLoaded {
		t.Fatalf("expected Loaded, got %s", s)
	}
	desc, ok := f.mgr.Descriptor(cfg.Key)
	if !ok || desc.Version != "1.0.0" {
		t.Errorf("unexpected descriptor %+v", desc)
	}
	if m := f.mgr.Metrics(cfg.Key); m.LoadLatency <= 0 {
		t.Errorf("expected load latency to be recorded, got %v", m.LoadLatency)
	}

	kinds := f.kinds()
	want := []events.Kind{events.KindLoadStarted, events.KindLoadSuccess}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, kinds)
	}
}

func TestAddDisabledConfigDoesNotLoad(t *testing.T) {
	f := newFixture(t)
	cfg := f.add(t, srcURL, false)

	if s := f.mgr.Status(cfg.Key); s != models.StatusUnknown {
		t.Errorf("expected Unknown, got %s", s)
	}
	if err := Err(f.mgr.Load(context.Background(), cfg.Key, false)); !models.IsType(err, models.ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid for disabled package, got %v", err)
	}
}

func TestAddConfigRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	tests := []models.PackageConfig{
		{URL: ""},
		{URL: "ftp://example.com/x.jar"},
		{URL: "https://example.com/x.jar", Priority: -1},
	}
	for _, cfg := range tests {
		if _, err := f.mgr.AddConfig(context.Background(), cfg); !models.IsType(err, models.ErrConfigInvalid) {
			t.Errorf("AddConfig(%+v): expected ConfigInvalid, got %v", cfg, err)
		}
	}
	if len(f.mgr.Keys()) != 0 {
		t.Errorf("invalid configs must not be stored, got %v", f.mgr.Keys())
	}
}

func TestLoadUnknownKey(t *testing.T) {
	f := newFixture(t)
	r := f.mgr.Load(context.Background(), "pkg_missing", false)
	if _, ok := r.(LoadFailure); !ok {
		t.Fatalf("expected LoadFailure, got %T", r)
	}
	if !models.IsType(Err(r), models.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", Err(r))
	}
}

func TestLoadFailureSetsErrorStatus(t *testing.T) {
	f := newFixture(t)
	cfg := f.add(t, srcURL, true)

	if s := f.mgr.Status(cfg.Key); s != models.StatusError {
		t.Fatalf("expected Error, got %s", s)
	}
	kinds := f.kinds()
	if count(kinds, events.KindLoadFailure) != 1 {
		t.Errorf("expected one LoadFailure event, got %v", kinds)
	}

	// A later load with the package available recovers
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))
	if err := Err(f.mgr.Load(context.Background(), cfg.Key, false)); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if s := f.mgr.Status(cfg.Key); s != models.StatusLoaded {
		t.Errorf("expected Loaded after recovery, got %s", s)
	}
}

func TestLoadWithoutForceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))
	cfg := f.add(t, srcURL, true)
	f.kinds()

	if err := Err(f.mgr.Load(context.Background(), cfg.Key, false)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if kinds := f.kinds(); len(kinds) != 0 {
		t.Errorf("expected no events for a loaded package, got %v", kinds)
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))
	cfg := f.add(t, srcURL, true)
	f.kinds()

	if !f.mgr.Unload(cfg.Key) {
		t.Fatal("first Unload should report true")
	}
	if f.mgr.Unload(cfg.Key) {
		t.Error("second Unload should report false")
	}
	if f.mgr.Unload("pkg_never_configured") {
		t.Error("Unload of unknown key should report false")
	}

	if s := f.mgr.Status(cfg.Key); s != models.StatusUnloaded {
		t.Errorf("expected Unloaded, got %s", s)
	}
	if kinds := f.kinds(); count(kinds, events.KindUnloaded) != 1 {
		t.Errorf("expected exactly one Unloaded event, got %v", kinds)
	}
	if !f.cache.Contains(cfg.Key) {
		t.Error("unload must not delete cached bytes")
	}
}

func TestCreateResolverInstance(t *testing.T) {
	f := newFixture(t)
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))
	cfg := f.add(t, srcURL, true)
	f.kinds()

	res := f.mgr.CreateResolverInstance(context.Background(), cfg.Key, "csp_Spider")
	if res == nil {
		t.Fatal("expected a resolver")
	}
	out, err := loader.Invoke(context.Background(), res, models.Request{Op: models.OpHome})
	if err != nil || out == "" {
		t.Fatalf("Invoke failed: %q, %v", out, err)
	}

	if f.mgr.CreateResolverInstance(context.Background(), cfg.Key, "Missing") != nil {
		t.Error("expected nil for unknown class")
	}
	if f.mgr.CreateResolverInstance(context.Background(), "pkg_unknown", "Spider") != nil {
		t.Error("expected nil for unknown package")
	}

	kinds := f.kinds()
	if count(kinds, events.KindResolverCreated) != 1 || count(kinds, events.KindResolverFailed) != 2 {
		t.Errorf("unexpected resolver events %v", kinds)
	}
}

func TestDangerousPackageIsRejected(t *testing.T) {
	f := newFixture(t)
	data, err := archive.Build(archive.FormatZip, map[string][]byte{
		"../x.lua": []byte("return {}"),
		"../y.lua": []byte("return {}"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	f.getter.set(srcURL, data)
	cfg := f.add(t, srcURL, true)

	if s := f.mgr.Status(cfg.Key); s != models.StatusError {
		t.Errorf("expected Error, got %s", s)
	}
	kinds := f.kinds()
	if count(kinds, events.KindSecurityWarning) != 1 || count(kinds, events.KindLoadFailure) != 1 {
		t.Errorf("expected security warning and load failure, got %v", kinds)
	}
}

func TestConfigsArePersisted(t *testing.T) {
	f := newFixture(t)
	cfg := f.add(t, srcURL, false)

	other := New(Options{Store: f.store})
	if err := other.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, ok := other.Config(cfg.Key)
	if !ok || got.URL != srcURL || !got.AutoUpdate {
		t.Fatalf("config not persisted: %+v", got)
	}

	if !f.mgr.RemoveConfig(context.Background(), cfg.Key) {
		t.Fatal("RemoveConfig failed")
	}
	if f.mgr.RemoveConfig(context.Background(), cfg.Key) {
		t.Error("second RemoveConfig should report false")
	}
	configs, err := f.store.Load(context.Background())
	if err != nil || len(configs) != 0 {
		t.Errorf("expected empty store, got %v, %v", configs, err)
	}
}

func TestConfigsOrderedByPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, url := range []string{"https://a.example/p.jar", "https://b.example/p.jar", "https://c.example/p.jar"} {
		if _, err := f.mgr.AddConfig(ctx, models.PackageConfig{URL: url, Priority: i}); err != nil {
			t.Fatalf("AddConfig failed: %v", err)
		}
	}
	configs := f.mgr.Configs()
	if configs[0].URL != "https://c.example/p.jar" || configs[2].URL != "https://a.example/p.jar" {
		t.Errorf("unexpected order %v", f.mgr.Keys())
	}
}

func TestDetachAndRestore(t *testing.T) {
	f := newFixture(t)
	f.getter.set(srcURL, loadertest.Package("demo", "1.0.0", nil))
	cfg := f.add(t, srcURL, true)

	pkg, ok := f.mgr.Detach(cfg.Key)
	if !ok {
		t.Fatal("Detach failed")
	}
	if s := f.mgr.Status(cfg.Key); s != models.StatusUnloaded {
		t.Errorf("expected Unloaded, got %s", s)
	}

	if err := f.mgr.Restore(context.Background(), pkg); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if s := f.mgr.Status(cfg.Key); s != models.StatusLoaded {
		t.Errorf("expected Loaded, got %s", s)
	}
	if f.mgr.CreateResolverInstance(context.Background(), cfg.Key, "Spider") == nil {
		t.Error("restored package should instantiate")
	}

	if err := f.mgr.Restore(context.Background(), nil); !models.IsType(err, models.ErrUpdateRollback) {
		t.Errorf("expected UpdateRollback for nil package, got %v", err)
	}
}

func TestRecordInvocation(t *testing.T) {
	f := newFixture(t)
	cfg := f.add(t, srcURL, false)

	f.mgr.RecordInvocation(cfg.Key, 10*time.Millisecond, false)
	f.mgr.RecordInvocation(cfg.Key, 30*time.Millisecond, true)
	f.mgr.RecordInvocation("pkg_unknown", time.Second, false)

	m := f.mgr.Metrics(cfg.Key)
	if m.Invocations != 2 || m.Errors != 1 || m.AverageLatency != 20*time.Millisecond {
		t.Errorf("unexpected metrics %+v", m)
	}
	if f.mgr.Metrics("pkg_unknown").Invocations != 0 {
		t.Error("unknown keys must not accumulate metrics")
	}
}

type countingUpdater struct{ n int32 }

func (u *countingUpdater) AutoUpdate(ctx context.Context) { atomic.AddInt32(&u.n, 1) }

func TestAutoUpdateLoop(t *testing.T) {
	f := newFixture(t)
	f.mgr.interval = 10 * time.Millisecond
	u := &countingUpdater{}
	f.mgr.SetAutoUpdater(u)

	f.mgr.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&u.n) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	seen := atomic.LoadInt32(&u.n)
	if seen < 2 {
		t.Fatalf("expected the loop to run at least twice, ran %d", seen)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&u.n) != seen {
		t.Error("auto-update loop kept running after Close")
	}
}

func TestLoadEnabled(t *testing.T) {
	f := newFixture(t)
	other := "https://github.com/u/r/releases/download/v1/y.jar"
	f.getter.set(srcURL, loadertest.Package("a", "1.0.0", nil))
	f.getter.set(other, loadertest.Package("b", "2.0.0", nil))
	a := f.add(t, srcURL, false)
	b := f.add(t, other, false)

	for _, key := range []string{a.Key, b.Key} {
		cfg, _ := f.mgr.Config(key)
		cfg.Enabled = true
		if _, err := f.mgr.AddConfig(context.Background(), cfg); err != nil {
			t.Fatalf("AddConfig failed: %v", err)
		}
		f.mgr.Unload(key)
	}

	results := f.mgr.LoadEnabled(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for key, r := range results {
		if err := Err(r); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}
