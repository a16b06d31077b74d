package channel

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/millwright-cad/millwright/internal/wire"
)

// toLuaValue converts a decoded host value into a Lua value. Cycles in
// maps and lists are preserved: the same Go container maps to the same
// Lua table.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	return toLuaTracked(L, v, make(map[any]*lua.LTable))
}

func toLuaTracked(L *lua.LState, v any, seen map[any]*lua.LTable) lua.LValue {
	if v == nil {
		return lua.LNil
	}

	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339Nano))
	case map[string]any:
		key := any(fmt.Sprintf("%p", val))
		if t, ok := seen[key]; ok {
			return t
		}
		t := L.NewTable()
		seen[key] = t
		for k, item := range val {
			t.RawSetString(k, toLuaTracked(L, item, seen))
		}
		return t
	case []any:
		if len(val) == 0 {
			return L.NewTable()
		}
		key := any(fmt.Sprintf("%p", &val[0]))
		if t, ok := seen[key]; ok {
			return t
		}
		t := L.NewTable()
		seen[key] = t
		for i, item := range val {
			t.RawSetInt(i+1, toLuaTracked(L, item, seen))
		}
		return t
	case *wire.Set:
		if t, ok := seen[any(val)]; ok {
			return t
		}
		t := L.NewTable()
		seen[any(val)] = t
		for i, item := range val.Values() {
			t.RawSetInt(i+1, toLuaTracked(L, item, seen))
		}
		return t
	case *wire.ErrValue:
		t := L.NewTable()
		t.RawSetString("name", lua.LString(val.Name))
		t.RawSetString("message", lua.LString(val.Message))
		return t
	case *wire.Placeholder:
		return lua.LNil
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

// toGoValue converts a Lua value into the host representation. Tables
// with contiguous 1..n integer keys become lists, everything else a
// string-keyed map. Revisiting a table yields the container already
// built for it, so cyclic plugin values keep their shape.
func toGoValue(lv lua.LValue) any {
	return toGoTracked(lv, make(map[*lua.LTable]any))
}

func toGoTracked(lv lua.LValue, seen map[*lua.LTable]any) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if prior, ok := seen[v]; ok {
			return prior
		}
		return tableToGo(v, seen)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, seen map[*lua.LTable]any) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})
	if count != maxN {
		isArray = false
	}

	if isArray && maxN > 0 {
		arr := make([]any, maxN)
		seen[t] = arr
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGoTracked(t.RawGetInt(i), seen)
		}
		return arr
	}

	m := make(map[string]any)
	seen[t] = m
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = toGoTracked(v, seen)
	})
	return m
}
