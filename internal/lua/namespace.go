package lua

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// RootSegment names the global table when it leads a namespace path.
const RootSegment = "root"

// EnsurePath creates the nested tables named by each dotted name and returns
// the innermost table of the last one. Paths start at the globals; a leading
// "root" segment is accepted and means the same thing. Existing tables are
// reused, so the call is idempotent. With no names the result is nil.
func EnsurePath(L *lua.LState, names ...string) (*lua.LTable, error) {
	var last *lua.LTable
	for _, name := range names {
		tbl, err := ensureOne(L, name)
		if err != nil {
			return nil, err
		}
		last = tbl
	}
	return last, nil
}

func ensureOne(L *lua.LState, name string) (*lua.LTable, error) {
	segments := strings.Split(name, ".")
	if segments[0] == RootSegment {
		segments = segments[1:]
	}

	cur := L.G.Global
	for i, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("namespace %q: empty segment", name)
		}
		switch v := L.GetField(cur, seg).(type) {
		case *lua.LTable:
			cur = v
		default:
			if v != lua.LNil && v != lua.LFalse {
				return nil, fmt.Errorf("namespace %q: %s is a %s, not a table",
					name, strings.Join(segments[:i+1], "."), v.Type())
			}
			next := L.NewTable()
			L.SetField(cur, seg, next)
			cur = next
		}
	}
	return cur, nil
}
