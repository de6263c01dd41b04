package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ralt/resolvd/internal/archive"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ManifestName is the optional metadata entry of a package
const ManifestName = "manifest.json"

// Manifest describes a package bundle
type Manifest struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Vendor    string   `json:"vendor,omitempty"`
	Resolvers []string `json:"resolvers,omitempty"`
}

// BundleHandle identifies a registered bundle
type BundleHandle struct {
	ID       string
	Modules  []string
	Manifest Manifest
}

// Resolvers lists the class names a bundle exposes
func (h *BundleHandle) Resolvers() []string {
	if len(h.Manifest.Resolvers) > 0 {
		return append([]string(nil), h.Manifest.Resolvers...)
	}
	return append([]string(nil), h.Modules...)
}

// Registry turns validated package bytes into resolver instances
type Registry interface {
	Register(bundle []byte) (*BundleHandle, error)
	Instantiate(ctx context.Context, h *BundleHandle, typeName string) (Resolver, error)
	Release(h *BundleHandle)
}

// Getter fetches remote content on behalf of resolver code
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type luaBundle struct {
	protos map[string]*lua.FunctionProto
}

// LuaRegistry runs resolver modules in an embedded Lua interpreter with
// only the base, table, string and math libraries opened
type LuaRegistry struct {
	mu      sync.RWMutex
	bundles map[string]*luaBundle
	getter  Getter
}

// NewLuaRegistry creates a registry. getter backs the http_get binding and
// may be nil, in which case http_get always fails.
func NewLuaRegistry(getter Getter) *LuaRegistry {
	return &LuaRegistry{
		bundles: make(map[string]*luaBundle),
		getter:  getter,
	}
}

// Register compiles every Lua module of a package archive
func (r *LuaRegistry) Register(bundle []byte) (*BundleHandle, error) {
	_, entries, err := archive.Read(bundle)
	if err != nil {
		return nil, err
	}

	b := &luaBundle{protos: make(map[string]*lua.FunctionProto)}
	h := &BundleHandle{ID: uuid.NewString()}

	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if e.Name == ManifestName {
			if err := json.Unmarshal(e.Data, &h.Manifest); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ManifestName, err)
			}
			continue
		}
		if !archive.IsLua(e.Name) {
			continue
		}
		if e.Truncated {
			return nil, fmt.Errorf("module %s is too large", e.Name)
		}
		name := archive.ModuleName(e.Name)
		proto, err := compile(name, string(e.Data))
		if err != nil {
			return nil, err
		}
		b.protos[name] = proto
		h.Modules = append(h.Modules, name)
	}

	if len(b.protos) == 0 {
		return nil, fmt.Errorf("package contains no resolver modules")
	}
	sort.Strings(h.Modules)

	r.mu.Lock()
	r.bundles[h.ID] = b
	r.mu.Unlock()

	logrus.Debugf("Registered bundle %s with modules %v", h.ID, h.Modules)
	return h, nil
}

// Release forgets a bundle. Instances already created keep working.
func (r *LuaRegistry) Release(h *BundleHandle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	delete(r.bundles, h.ID)
	r.mu.Unlock()
}

// Instantiate runs the module named typeName and wraps the table it returns
func (r *LuaRegistry) Instantiate(ctx context.Context, h *BundleHandle, typeName string) (Resolver, error) {
	if h == nil {
		return nil, fmt.Errorf("nil bundle handle")
	}
	r.mu.RLock()
	b, ok := r.bundles[h.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bundle %s is not registered", h.ID)
	}

	name, ok := resolveClass(b.protos, typeName)
	if !ok {
		return nil, fmt.Errorf("class %s not found in bundle", typeName)
	}
	return r.newResolver(ctx, b, name)
}

// FromSource compiles a standalone script and instantiates it
func (r *LuaRegistry) FromSource(ctx context.Context, name, src string) (Resolver, error) {
	proto, err := compile(name, src)
	if err != nil {
		return nil, err
	}
	b := &luaBundle{protos: map[string]*lua.FunctionProto{name: proto}}
	return r.newResolver(ctx, b, name)
}

// resolveClass maps a requested type name onto a module. Besides the exact
// name it accepts a dotted class path and the csp_ prefix used by source
// configurations.
func resolveClass(protos map[string]*lua.FunctionProto, typeName string) (string, bool) {
	candidates := []string{typeName}
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		candidates = append(candidates, typeName[i+1:])
	}
	for _, c := range append([]string(nil), candidates...) {
		if trimmed := strings.TrimPrefix(c, "csp_"); trimmed != c {
			candidates = append(candidates, trimmed)
		}
	}
	for _, c := range candidates {
		if _, ok := protos[c]; ok {
			return c, true
		}
	}
	return "", false
}

func compile(name, src string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return proto, nil
}

func (r *LuaRegistry) newResolver(ctx context.Context, b *luaBundle, name string) (Resolver, error) {
	L, err := r.newState(b, name)
	if err != nil {
		return nil, err
	}

	L.SetContext(ctx)
	mod, err := runModule(L, b.protos[name])
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to instantiate %s: %w", name, err)
	}

	return &luaResolver{name: name, L: L, mod: mod}, nil
}

func runModule(L *lua.LState, proto *lua.FunctionProto) (*lua.LTable, error) {
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)

	mod, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("module returned %s, expected a table", ret.Type())
	}
	return mod, nil
}

// unsafeGlobals are base library functions that reach the filesystem or
// load code from outside the bundle
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module", "getfenv", "setfenv"}

func (r *LuaRegistry) newState(b *luaBundle, name string) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open %s library: %w", lib.name, err)
		}
	}
	for _, g := range unsafeGlobals {
		L.SetGlobal(g, lua.LNil)
	}

	loaded := make(map[string]lua.LValue)
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		mod := L.CheckString(1)
		if v, ok := loaded[mod]; ok {
			L.Push(v)
			return 1
		}
		proto, ok := b.protos[mod]
		if !ok {
			L.RaiseError("module %s not found in bundle", mod)
			return 0
		}
		L.Push(L.NewFunctionFromProto(proto))
		L.Call(0, 1)
		v := L.Get(-1)
		if v == lua.LNil {
			v = lua.LTrue
			L.Pop(1)
			L.Push(v)
		}
		loaded[mod] = v
		return 1
	}))

	log := logrus.WithField("module", name)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		log.Info(L.CheckString(1))
		return 0
	}))
	L.SetGlobal("json_encode", L.NewFunction(luaJSONEncode))
	L.SetGlobal("json_decode", L.NewFunction(luaJSONDecode))
	L.SetGlobal("http_get", L.NewFunction(r.luaHTTPGet))

	return L, nil
}

func (r *LuaRegistry) luaHTTPGet(L *lua.LState) int {
	url := L.CheckString(1)
	if r.getter == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("network access is not available"))
		return 2
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := r.getter.Get(ctx, url)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(body))
	return 1
}

func luaJSONEncode(L *lua.LState) int {
	v, err := toGo(L.CheckAny(1), 0)
	if err != nil {
		L.RaiseError("json_encode: %v", err)
		return 0
	}
	out, err := json.Marshal(v)
	if err != nil {
		L.RaiseError("json_encode: %v", err)
		return 0
	}
	L.Push(lua.LString(out))
	return 1
}

func luaJSONDecode(L *lua.LState) int {
	var v interface{}
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(fromGo(L, v))
	return 1
}
