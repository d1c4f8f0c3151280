package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to plain Go values for JSON output and tests.
// Tables whose keys are mostly-dense positive integers become slices, other
// tables become maps keyed by their string keys and the text of their number
// keys. A table already being converted higher up
// (for example _G through "global") converts to nil. Functions and userdata
// convert to nil.
func LuaToGo(val lua.LValue) any {
	return luaToGo(val, map[*lua.LTable]bool{})
}

func luaToGo(val lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)

		hasStringKeys := false
		maxN, count := 0, 0
		v.ForEach(func(key, _ lua.LValue) {
			switch k := key.(type) {
			case lua.LNumber:
				count++
				if n := int(k); lua.LNumber(n) == k && n > maxN {
					maxN = n
				}
			case lua.LString:
				hasStringKeys = true
			}
		})

		// A sparse table such as {[1e9] = 1} stays a map.
		if maxN > 0 && !hasStringKeys && maxN <= 2*count {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i), seen)
			}
			return arr
		}

		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			switch k := key.(type) {
			case lua.LString:
				m[string(k)] = luaToGo(value, seen)
			case lua.LNumber:
				m[k.String()] = luaToGo(value, seen)
			}
		})
		return m
	default:
		return nil
	}
}
