package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/ralt/resolvd/internal/models"
)

type fakeEngine struct {
	typ models.EngineType
	out string
	err error

	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Type() models.EngineType { return f.typ }

func (f *fakeEngine) Execute(ctx context.Context, src models.Source, req models.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type panicEngine struct{ typ models.EngineType }

func (p panicEngine) Type() models.EngineType { return p.typ }

func (p panicEngine) Execute(context.Context, models.Source, models.Request) (string, error) {
	panic("boom")
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		name string
		src  models.Source
		want []models.EngineType
	}{
		{
			name: "lua script",
			src:  models.Source{API: "https://example.com/spiders/demo.lua"},
			want: []models.EngineType{models.EngineScript, models.EngineMarkup, models.EnginePackage},
		},
		{
			name: "js script with query",
			src:  models.Source{API: "https://example.com/demo.JS?v=2", Type: models.SourceTypeCustom},
			want: []models.EngineType{models.EngineScript, models.EngineMarkup, models.EnginePackage},
		},
		{
			name: "custom resolver",
			src:  models.Source{API: "csp_Demo", Type: models.SourceTypeCustom},
			want: []models.EngineType{models.EngineMarkup, models.EngineScript, models.EnginePackage},
		},
		{
			name: "python script",
			src:  models.Source{API: "https://example.com/demo.py", Type: models.SourceTypeJSON},
			want: []models.EngineType{models.EngineAltScript, models.EngineScript, models.EngineMarkup},
		},
		{
			name: "legacy api",
			src:  models.Source{API: "https://example.com/api.php/provide/vod", Type: models.SourceTypeJSON},
			want: []models.EngineType{models.EnginePackage, models.EngineMarkup, models.EngineScript},
		},
		{
			name: "default",
			src:  models.Source{API: "csp_Demo"},
			want: []models.EngineType{models.EnginePackage, models.EngineMarkup, models.EngineScript, models.EngineAltScript},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(tt.src)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Candidates() = %v, want %v", got, tt.want)
			}
			if len(got) < 2 {
				t.Errorf("expected fallback candidates, got %v", got)
			}
		})
	}
}

func TestExecuteWithFallback(t *testing.T) {
	pkg := &fakeEngine{typ: models.EnginePackage, err: errors.New("package failed")}
	markup := &fakeEngine{typ: models.EngineMarkup, err: errors.New("markup failed")}
	script := &fakeEngine{typ: models.EngineScript, out: `{"list":[]}`}
	alt := &fakeEngine{typ: models.EngineAltScript, out: "never"}

	d := NewDispatcher(Options{Engines: []Engine{pkg, markup, script, alt}})
	out, err := d.ExecuteWithFallback(context.Background(), models.Source{Key: "demo", API: "csp_Demo"}, models.Request{Op: models.OpHome})
	if err != nil {
		t.Fatalf("ExecuteWithFallback failed: %v", err)
	}
	if out != `{"list":[]}` {
		t.Errorf("unexpected result %q", out)
	}

	if alt.callCount() != 0 {
		t.Errorf("engines after a success must not run, alt-script ran %d times", alt.callCount())
	}

	for _, tc := range []struct {
		typ                 models.EngineType
		successes, failures int64
	}{
		{models.EnginePackage, 0, 1},
		{models.EngineMarkup, 0, 1},
		{models.EngineScript, 1, 0},
	} {
		s, ok := d.Stats(tc.typ)
		if !ok {
			t.Errorf("no stats for %s", tc.typ)
			continue
		}
		if s.Successes != tc.successes || s.Failures != tc.failures {
			t.Errorf("%s: got %d successes %d failures, want %d/%d", tc.typ, s.Successes, s.Failures, tc.successes, tc.failures)
		}
		if s.LastUsed.IsZero() {
			t.Errorf("%s: LastUsed not set", tc.typ)
		}
	}
	if _, ok := d.Stats(models.EngineAltScript); ok {
		t.Error("alt-script should have no stats")
	}
}

func TestExecuteSkipsUnregisteredAltScript(t *testing.T) {
	script := &fakeEngine{typ: models.EngineScript, err: errors.New("script failed")}
	markup := &fakeEngine{typ: models.EngineMarkup, out: "markup"}
	d := NewDispatcher(Options{Engines: []Engine{script, markup}})

	src := models.Source{Key: "py", API: "https://x.test/demo.py"}
	out, err := d.ExecuteWithFallback(context.Background(), src, models.Request{Op: models.OpHome})
	if err != nil {
		t.Fatalf("ExecuteWithFallback failed: %v", err)
	}
	if out != "markup" {
		t.Errorf("unexpected result %q", out)
	}
	if script.callCount() != 1 {
		t.Errorf("script ran %d times, want 1", script.callCount())
	}
	if _, ok := d.Stats(models.EngineAltScript); ok {
		t.Error("an unregistered engine must not get stats")
	}
}

func TestExecuteWithFallbackAllFail(t *testing.T) {
	last := errors.New("script failed")
	d := NewDispatcher(Options{Engines: []Engine{
		&fakeEngine{typ: models.EnginePackage, err: errors.New("package failed")},
		&fakeEngine{typ: models.EngineScript, err: last},
	}})

	_, err := d.ExecuteWithFallback(context.Background(), models.Source{Key: "demo", API: "csp_Demo"}, models.Request{Op: models.OpSearch})
	if err == nil {
		t.Fatal("expected error")
	}
	if !models.IsType(err, models.ErrEngineFailed) {
		t.Errorf("expected EngineFailed, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected the last failure to be wrapped, got %v", err)
	}
}

func TestExecuteWithNoEngines(t *testing.T) {
	d := NewDispatcher(Options{})
	_, err := d.ExecuteWithFallback(context.Background(), models.Source{Key: "demo"}, models.Request{})
	if !models.IsType(err, models.ErrEngineFailed) {
		t.Fatalf("expected EngineFailed, got %v", err)
	}
}

func TestPanickingEngineFallsBack(t *testing.T) {
	markup := &fakeEngine{typ: models.EngineMarkup, out: "ok"}
	d := NewDispatcher(Options{Engines: []Engine{panicEngine{typ: models.EnginePackage}, markup}})

	out, err := d.ExecuteWithFallback(context.Background(), models.Source{Key: "demo"}, models.Request{})
	if err != nil || out != "ok" {
		t.Fatalf("got %q, %v", out, err)
	}
	s, _ := d.Stats(models.EnginePackage)
	if s.Failures != 1 {
		t.Errorf("expected one recorded failure, got %d", s.Failures)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	d := NewDispatcher(Options{Engines: []Engine{&fakeEngine{typ: models.EngineScript}}})
	d.Initialize()
	d.Unregister(models.EngineScript)
	d.Register(&fakeEngine{typ: models.EngineMarkup})
	d.Initialize()

	want := []models.EngineType{models.EngineMarkup}
	if got := d.Engines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Engines() = %v, want %v", got, want)
	}
}

func TestStatsAccessors(t *testing.T) {
	var s Stats
	if s.SuccessRate() != 0 || s.AverageDuration() != 0 {
		t.Fatal("empty stats should report zero")
	}
	s = s.with(true, 30, s.LastUsed).with(false, 10, s.LastUsed)
	if s.SuccessRate() != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", s.SuccessRate())
	}
	if s.AverageDuration() != 20 {
		t.Errorf("AverageDuration = %v, want 20ns", s.AverageDuration())
	}
}
