package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// luaResolver adapts a Lua module table to the Resolver interface. A Lua
// state is single threaded, so calls are serialised.
type luaResolver struct {
	mu     sync.Mutex
	name   string
	L      *lua.LState
	mod    *lua.LTable
	closed bool
}

func (r *luaResolver) call(ctx context.Context, fn string, args ...interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", fmt.Errorf("resolver %s has been destroyed", r.name)
	}

	f, ok := r.mod.RawGetString(fn).(*lua.LFunction)
	if !ok {
		// Unimplemented operations answer with an empty result
		return "", nil
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = fromGo(r.L, a)
	}

	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	if err := r.L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, largs...); err != nil {
		return "", fmt.Errorf("%s.%s: %w", r.name, fn, err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		goVal, err := toGo(v, 0)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", r.name, fn, err)
		}
		out, err := json.Marshal(goVal)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", r.name, fn, err)
		}
		return string(out), nil
	default:
		return ret.String(), nil
	}
}

func (r *luaResolver) Initialize(ctx context.Context, extra string) error {
	_, err := r.call(ctx, "init", extra)
	return err
}

func (r *luaResolver) Home(ctx context.Context, filter bool) (string, error) {
	return r.call(ctx, "home", filter)
}

func (r *luaResolver) Category(ctx context.Context, tid, page string, filter bool, extend map[string]string) (string, error) {
	return r.call(ctx, "category", tid, page, filter, extend)
}

func (r *luaResolver) Detail(ctx context.Context, ids []string) (string, error) {
	return r.call(ctx, "detail", ids)
}

func (r *luaResolver) Playback(ctx context.Context, flag, id string, vipFlags []string) (string, error) {
	return r.call(ctx, "player", flag, id, vipFlags)
}

func (r *luaResolver) Search(ctx context.Context, keyword string, quick bool) (string, error) {
	return r.call(ctx, "search", keyword, quick)
}

func (r *luaResolver) Action(ctx context.Context, action string) (string, error) {
	return r.call(ctx, "action", action)
}

func (r *luaResolver) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if f, ok := r.mod.RawGetString("destroy").(*lua.LFunction); ok {
		_ = r.L.CallByParam(lua.P{Fn: f, NRet: 0, Protect: true})
	}
	r.closed = true
	r.L.Close()
}
