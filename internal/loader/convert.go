package loader

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth stops runaway recursion on self-referencing tables
const maxConvertDepth = 64

// toGo converts a Lua value into plain Go values suitable for encoding/json.
// Tables with a non-empty array part become slices, others become maps.
func toGo(v lua.LValue, depth int) (interface{}, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}

	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				item, err := toGo(val.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}
		obj := make(map[string]interface{})
		var convErr error
		val.ForEach(func(key, value lua.LValue) {
			if convErr != nil {
				return
			}
			item, err := toGo(value, depth+1)
			if err != nil {
				convErr = err
				return
			}
			obj[key.String()] = item
		})
		if convErr != nil {
			return nil, convErr
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to JSON", v.Type())
	}
}

// fromGo converts decoded JSON into Lua values.
func fromGo(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case []interface{}:
		t := L.NewTable()
		for _, item := range val {
			t.Append(fromGo(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, fromGo(L, val[k]))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
