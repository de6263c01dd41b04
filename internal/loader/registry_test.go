package loader

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ralt/resolvd/internal/archive"
	"github.com/ralt/resolvd/internal/loader/loadertest"
	"github.com/ralt/resolvd/internal/models"
)

type stubGetter map[string]string

func (g stubGetter) Get(ctx context.Context, url string) ([]byte, error) {
	body, ok := g[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(body), nil
}

func register(t *testing.T, r *LuaRegistry, modules map[string]string) *BundleHandle {
	t.Helper()
	files := make(map[string][]byte)
	for name, src := range modules {
		files[name] = []byte(src)
	}
	data, err := archive.Build(archive.FormatZip, files)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	h, err := r.Register(data)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return h
}

func TestRegisterReadsManifest(t *testing.T) {
	r := NewLuaRegistry(nil)
	h, err := r.Register(loadertest.Package("demo", "2.1.0", nil))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if h.Manifest.Name != "demo" || h.Manifest.Version != "2.1.0" {
		t.Errorf("unexpected manifest %+v", h.Manifest)
	}
	if len(h.Modules) != 1 || h.Modules[0] != "Spider" {
		t.Errorf("expected modules [Spider], got %v", h.Modules)
	}
	if got := h.Resolvers(); len(got) != 1 || got[0] != "Spider" {
		t.Errorf("expected resolvers [Spider], got %v", got)
	}
}

func TestRegisterRejectsEmptyBundle(t *testing.T) {
	r := NewLuaRegistry(nil)
	data, err := archive.Build(archive.FormatZip, map[string][]byte{"README.txt": []byte("hi")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := r.Register(data); err == nil {
		t.Fatal("expected error for bundle without modules")
	}
}

func TestRegisterRejectsSyntaxError(t *testing.T) {
	r := NewLuaRegistry(nil)
	data, err := archive.Build(archive.FormatZip, map[string][]byte{"Bad.lua": []byte("return {")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := r.Register(data); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInstantiateClassNames(t *testing.T) {
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Spider.lua": loadertest.HomeModule("1.0")})

	for _, name := range []string{"Spider", "csp_Spider", "com.example.Spider"} {
		res, err := r.Instantiate(context.Background(), h, name)
		if err != nil {
			t.Errorf("Instantiate(%q) failed: %v", name, err)
			continue
		}
		res.Destroy()
	}

	if _, err := r.Instantiate(context.Background(), h, "Missing"); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestInstantiateAfterRelease(t *testing.T) {
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Spider.lua": loadertest.HomeModule("1.0")})
	r.Release(h)

	if _, err := r.Instantiate(context.Background(), h, "Spider"); err == nil {
		t.Fatal("expected error for released bundle")
	}
}

func TestResolverOperations(t *testing.T) {
	src := `
local util = require("util")
local M = {}
local ext = ""
function M.init(extra) ext = extra end
function M.home(filter) return { class = {}, filter = filter, ext = ext } end
function M.category(tid, pg, filter, extend)
  return { page = tonumber(pg), list = { { vod_id = tid .. "-" .. extend.area } } }
end
function M.detail(ids) return { list = { { vod_id = ids[1], vod_name = util.upper(ids[1]) } } } end
function M.player(flag, id, vip) return { parse = 0, url = id, flag = flag } end
function M.search(wd, quick) return { list = { { vod_name = wd } } } end
return M
`
	util := `
local U = {}
function U.upper(s) return string.upper(s) end
return U
`
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Spider.lua": src, "util.lua": util})
	res, err := r.Instantiate(context.Background(), h, "Spider")
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer res.Destroy()

	ctx := context.Background()
	if err := res.Initialize(ctx, "cfg"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	tests := []struct {
		req  models.Request
		want string
	}{
		{models.Request{Op: models.OpHome, Filter: true}, `"ext":"cfg"`},
		{models.Request{Op: models.OpCategory, CategoryID: "5", Page: "2", Extend: map[string]string{"area": "eu"}}, `"vod_id":"5-eu"`},
		{models.Request{Op: models.OpDetail, IDs: []string{"abc"}}, `"vod_name":"ABC"`},
		{models.Request{Op: models.OpPlayback, Flag: "hd", ID: "http://v/1.m3u8"}, `"url":"http://v/1.m3u8"`},
		{models.Request{Op: models.OpSearch, Keyword: "moon"}, `"vod_name":"moon"`},
	}

	for _, tt := range tests {
		got, err := Invoke(ctx, res, tt.req)
		if err != nil {
			t.Errorf("%s failed: %v", tt.req.Op, err)
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("%s: expected %s in %s", tt.req.Op, tt.want, got)
		}
	}

	// Unimplemented operations answer empty
	got, err := Invoke(ctx, res, models.Request{Op: models.OpAction, Action: "noop"})
	if err != nil || got != "" {
		t.Errorf("expected empty action result, got %q, %v", got, err)
	}
}

func TestUnsafeLibrariesAreClosed(t *testing.T) {
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Probe.lua": `
local M = {}
function M.home()
  return { os = type(os), io = type(io), debug = type(debug), dofile = type(dofile), load = type(load) }
end
return M
`})
	res, err := r.Instantiate(context.Background(), h, "Probe")
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer res.Destroy()

	got, err := res.Home(context.Background(), false)
	if err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	for _, lib := range []string{"os", "io", "debug", "dofile", "load"} {
		if !strings.Contains(got, `"`+lib+`":"nil"`) {
			t.Errorf("expected %s to be nil, got %s", lib, got)
		}
	}
}

func TestRuntimeErrorIsReturned(t *testing.T) {
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Broken.lua": `
local M = {}
function M.home() error("boom") end
return M
`})
	res, err := r.Instantiate(context.Background(), h, "Broken")
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer res.Destroy()

	if _, err := res.Home(context.Background(), false); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestModuleMustReturnTable(t *testing.T) {
	r := NewLuaRegistry(nil)
	h := register(t, r, map[string]string{"Odd.lua": `return 42`})
	if _, err := r.Instantiate(context.Background(), h, "Odd"); err == nil {
		t.Fatal("expected error for non-table module")
	}
}

func TestHostBindings(t *testing.T) {
	getter := stubGetter{"https://api.example.com/list": `{"items":["a","b"]}`}
	r := NewLuaRegistry(getter)

	res, err := r.FromSource(context.Background(), "site", `
local M = {}
function M.home()
  local body = http_get("https://api.example.com/list")
  local data = json_decode(body)
  local missing, err = http_get("https://api.example.com/missing")
  return json_encode({ first = data.items[1], count = #data.items, failed = (missing == nil and err ~= nil) })
end
return M
`)
	if err != nil {
		t.Fatalf("FromSource failed: %v", err)
	}
	defer res.Destroy()

	got, err := res.Home(context.Background(), false)
	if err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	for _, want := range []string{`"first":"a"`, `"count":2`, `"failed":true`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
}

func TestDestroyedResolverFails(t *testing.T) {
	r := NewLuaRegistry(nil)
	res, err := r.FromSource(context.Background(), "s", loadertest.HomeModule("1"))
	if err != nil {
		t.Fatalf("FromSource failed: %v", err)
	}
	res.Destroy()
	res.Destroy()

	if _, err := res.Home(context.Background(), false); err == nil {
		t.Fatal("expected error after Destroy")
	}
}

type panicResolver struct{ Resolver }

func (panicResolver) Home(context.Context, bool) (string, error) { panic("kaboom") }

func TestInvokeRecoversPanics(t *testing.T) {
	_, err := Invoke(context.Background(), panicResolver{}, models.Request{Op: models.OpHome})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}
