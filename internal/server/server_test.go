package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/engine"
	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/fetch/fetchtest"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/loader/loadertest"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/ralt/resolvd/internal/update"
)

const pkgURL = "https://raw.githubusercontent.com/u/r/main/x.jar"

type stubEngine struct {
	typ models.EngineType
	out string
	err error
}

func (s stubEngine) Type() models.EngineType { return s.typ }

func (s stubEngine) Execute(context.Context, models.Source, models.Request) (string, error) {
	return s.out, s.err
}

func newTestServer(t *testing.T, engines ...engine.Engine) *Server {
	t.Helper()
	router := fetchtest.NewRouter()
	pkg := loadertest.Package("demo", "1.0.0", nil)
	router.HandleFunc("raw.githubusercontent.com", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/r/main/x.jar" {
			http.NotFound(w, r)
			return
		}
		w.Write(pkg)
	})
	client := fetch.NewClient(fetch.Options{Transport: router})

	c, err := cache.Open(cache.Options{Dir: filepath.Join(t.TempDir(), "cache")})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	prom := metrics.NewProm("resolvd")
	l := loader.New(loader.Options{
		Cache:     c,
		Validator: security.NewValidator(security.Options{}),
		Fetcher:   client,
		Registry:  loader.NewLuaRegistry(client),
		Metrics:   prom,
	})
	mgr := manager.New(manager.Options{Loader: l, Cache: c, Metrics: prom})
	t.Cleanup(func() { mgr.Close() })

	return New(Options{
		Dispatcher: engine.NewDispatcher(engine.Options{Engines: engines, Metrics: prom}),
		Manager:    mgr,
		Updater:    update.New(update.Options{Manager: mgr, Client: client}),
		Metrics:    prom.Handler(),
	})
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestExecute(t *testing.T) {
	s := newTestServer(t,
		stubEngine{typ: models.EnginePackage, err: errors.New("no package")},
		stubEngine{typ: models.EngineMarkup, out: `{"list":[]}`},
	)

	rec := do(t, s, http.MethodPost, "/v1/execute", `{"source":{"key":"demo","api":"csp_Demo"},"op":"home"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"list":[]}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/v1/engines", "")
	var views []EngineView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("invalid engines response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 engines, got %d", len(views))
	}
	for _, v := range views {
		switch v.Engine {
		case models.EngineMarkup:
			if v.Successes != 1 || v.SuccessRate != 1 {
				t.Errorf("unexpected markup stats %+v", v)
			}
		case models.EnginePackage:
			if v.Failures != 1 || v.SuccessRate != 0 {
				t.Errorf("unexpected package stats %+v", v)
			}
		}
	}
}

func TestExecuteErrors(t *testing.T) {
	s := newTestServer(t, stubEngine{typ: models.EnginePackage, err: errors.New("no package")})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing key", `{"source":{},"op":"home"}`, http.StatusBadRequest},
		{"unknown op", `{"source":{"key":"demo"},"op":"dance"}`, http.StatusBadRequest},
		{"all engines fail", `{"source":{"key":"demo"},"op":"home"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/execute", tt.body)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}

	rec := do(t, s, http.MethodPost, "/v1/execute", `{"source":{"key":"demo"},"op":"home"}`)
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error response: %v", err)
	}
	if resp.Type != models.ErrEngineFailed.String() {
		t.Errorf("expected EngineFailed type, got %q", resp.Type)
	}
}

func TestPackageEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/packages", `{"url":"`+pkgURL+`","enabled":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view PackageView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("invalid package view: %v", err)
	}
	key := view.Config.Key
	if key != models.KeyFromURL(pkgURL) {
		t.Errorf("unexpected key %s", key)
	}
	if view.Descriptor == nil || view.Descriptor.Version != "1.0.0" {
		t.Errorf("expected a loaded descriptor, got %+v", view.Descriptor)
	}
	if !strings.Contains(rec.Body.String(), `"status":"Loaded"`) {
		t.Errorf("expected Loaded status in %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/v1/packages", "")
	var list []PackageView
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("expected one package, got %s (%v)", rec.Body.String(), err)
	}

	rec = do(t, s, http.MethodPost, "/v1/packages/"+key+"/unload", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"Unloaded"`) {
		t.Errorf("unload: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/v1/packages/"+key+"/load?force=true", "")
	if rec.Code != http.StatusOK {
		t.Errorf("load: %d %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, s, http.MethodGet, "/v1/packages/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown package, got %d", rec.Code)
	}
	if rec = do(t, s, http.MethodPost, "/v1/packages/unknown/load", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when loading unknown package, got %d", rec.Code)
	}
	if rec = do(t, s, http.MethodPost, "/v1/packages/unknown/update", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when updating unknown package, got %d", rec.Code)
	}

	if rec = do(t, s, http.MethodDelete, "/v1/packages/"+key, ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec = do(t, s, http.MethodDelete, "/v1/packages/"+key, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestAddPackageInvalid(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/v1/packages", `{"url":"ftp://example.com/x.jar"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, stubEngine{typ: models.EngineScript, out: "{}"})
	do(t, s, http.MethodPost, "/v1/execute", `{"source":{"key":"demo","api":"x.lua"},"op":"home"}`)

	rec := do(t, s, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resolvd_") {
		t.Errorf("expected resolvd metrics in output")
	}
}
