// Package lua runs fetched script source in a gopher-lua VM.
//
// A Runtime owns one LState and an executor goroutine. Every touch of the VM
// happens on that goroutine, which gives included scripts the cooperative,
// single-threaded model they are written for: scripts run in request order and
// never overlap. Code already running on the executor (host functions called
// from Lua) uses the Direct variants instead of queueing, to avoid deadlock.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/locator"
)

// ErrShutdown is returned for work queued after Shutdown.
var ErrShutdown = errors.New("lua runtime is shut down")

// Includer services include() and reload() calls made from Lua.
// Both are invoked on the executor.
type Includer interface {
	IncludeFromScript(loc string) (bool, error)
	ReloadFromScript(loc string) (bool, error)
}

// WorkItem represents a unit of work for the executor.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value any
	Err   error
}

// Runtime is a Lua VM plus the executor that serializes access to it.
type Runtime struct {
	state     *lua.LState
	config    *config.Config
	includer  Includer
	errorMeta *lua.LTable
	output    io.Writer

	executorChan chan WorkItem
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewRuntime creates a Runtime with its executor running.
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	r := &Runtime{
		state:        L,
		config:       cfg,
		output:       os.Stdout,
		executorChan: make(chan WorkItem, 100),
		done:         make(chan struct{}),
	}

	if err := r.openLibs(); err != nil {
		L.Close()
		return nil, err
	}
	r.registerGlobals()
	r.startExecutor()

	return r, nil
}

// openLibs loads the standard libraries scripts may rely on.
func (r *Runtime) openLibs() error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	}
	for _, lib := range libs {
		err := r.state.CallByParam(lua.P{
			Fn:      r.state.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("failed to open lua library %s: %w", lib.name, err)
		}
	}
	return nil
}

// registerGlobals installs global, namespace, include, reload and print.
func (r *Runtime) registerGlobals() {
	L := r.state

	// global is an alias for _G so scripts can write global.x = ...
	L.SetGlobal("global", L.G.Global)

	L.SetGlobal("namespace", L.NewFunction(func(L *lua.LState) int {
		names := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			names = append(names, L.CheckString(i))
		}
		tbl, err := EnsurePath(L, names...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		if tbl == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(tbl)
		}
		return 1
	}))

	L.SetGlobal("include", L.NewFunction(func(L *lua.LState) int {
		return r.callIncluder(L, Includer.IncludeFromScript)
	}))
	L.SetGlobal("reload", L.NewFunction(func(L *lua.LState) int {
		return r.callIncluder(L, Includer.ReloadFromScript)
	}))

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(r.output, strings.Join(parts, "\t"))
		return 0
	}))

	// Host errors travel through Lua as userdata so typed errors survive to Go.
	r.errorMeta = L.NewTable()
	L.SetField(r.errorMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if err, ok := ud.Value.(error); ok {
			L.Push(lua.LString(err.Error()))
		} else {
			L.Push(lua.LString(fmt.Sprint(ud.Value)))
		}
		return 1
	}))
}

func (r *Runtime) callIncluder(L *lua.LState, call func(Includer, string) (bool, error)) int {
	loc := L.CheckString(1)
	if r.includer == nil {
		L.RaiseError("include is not available in this runtime")
		return 0
	}
	ok, err := call(r.includer, loc)
	if err != nil {
		r.raise(L, err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

// raise throws err as a Lua error whose tostring is the Go message.
func (r *Runtime) raise(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, r.errorMeta)
	L.Error(ud, 1)
}

// SetIncluder wires include() and reload() to inc.
func (r *Runtime) SetIncluder(inc Includer) {
	r.includer = inc
}

// SetOutput redirects print(). Call it before any script runs.
func (r *Runtime) SetOutput(w io.Writer) {
	r.output = w
}

// Log logs a message via the config.
func (r *Runtime) Log(level int, format string, args ...any) {
	r.config.Log(level, format, args...)
}

// Execute runs source as an anonymous chunk named id, on the executor.
// Chunk locals stay private to the chunk; globals are shared by every chunk.
func (r *Runtime) Execute(id locator.Identifier, source string) error {
	_, err := r.Do(func() (any, error) {
		return nil, r.ExecuteDirect(id, source)
	})
	return err
}

// ExecuteDirect runs source without executor wrapping.
// MUST only be called from within the executor.
func (r *Runtime) ExecuteDirect(id locator.Identifier, source string) error {
	L := r.state
	top := L.GetTop()
	defer L.SetTop(top)

	fn, err := L.Load(strings.NewReader(source), string(id))
	if err != nil {
		return newEvaluationError(id, err)
	}

	L.Push(fn)
	L.Push(lua.LString(id))
	if err := L.PCall(1, 0, nil); err != nil {
		return newEvaluationError(id, err)
	}
	r.Log(3, "lua: executed %s (%d bytes)", id, len(source))
	return nil
}

// startExecutor creates the goroutine that processes work items.
func (r *Runtime) startExecutor() {
	go func() {
		for {
			select {
			case <-r.done:
				return
			case work := <-r.executorChan:
				result, err := work.fn()
				if work.result != nil {
					work.result <- WorkResult{Value: result, Err: err}
				}
			}
		}
	}()
}

// Do queues fn on the executor and blocks until it has run.
// MUST NOT be called from the executor itself.
func (r *Runtime) Do(fn func() (any, error)) (any, error) {
	return r.DoContext(context.Background(), fn)
}

// Post queues fn on the executor without waiting for it.
// Posting from the executor itself must not fill the queue; asynchronous
// completions post from their own goroutines.
func (r *Runtime) Post(fn func()) {
	select {
	case r.executorChan <- WorkItem{fn: func() (any, error) { fn(); return nil, nil }}:
	case <-r.done:
		r.Log(2, "lua: dropped work posted after shutdown")
	}
}

// DoContext is Do with the caller's ctx bounding how long it waits for a slot.
// Work already queued runs to completion.
func (r *Runtime) DoContext(ctx context.Context, fn func() (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan WorkResult, 1)
	select {
	case r.executorChan <- WorkItem{fn: fn, result: result}:
	case <-r.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-result:
		return res.Value, res.Err
	case <-r.done:
		return nil, ErrShutdown
	}
}

// Global returns a global converted to Go (see LuaToGo).
func (r *Runtime) Global(name string) (any, error) {
	return r.Do(func() (any, error) {
		return LuaToGo(r.state.GetGlobal(name)), nil
	})
}

// GlobalPath returns the value at a dotted path below the globals, converted to Go.
// Missing segments yield nil.
func (r *Runtime) GlobalPath(path string) (any, error) {
	return r.Do(func() (any, error) {
		var cur lua.LValue = r.state.G.Global
		for _, seg := range strings.Split(path, ".") {
			tbl, ok := cur.(*lua.LTable)
			if !ok {
				return nil, nil
			}
			cur = r.state.GetField(tbl, seg)
		}
		return LuaToGo(cur), nil
	})
}

// GlobalNumber returns the number at a dotted global path.
func (r *Runtime) GlobalNumber(path string) (float64, error) {
	v, err := r.GlobalPath(path)
	if err != nil {
		return 0, err
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("global %s is not a number: %v", path, v)
	}
	return n, nil
}

// Shutdown stops the executor and closes the VM.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		// Closing the VM happens on the executor so no script is mid-flight.
		_, _ = r.Do(func() (any, error) {
			r.state.Close()
			return nil, nil
		})
		close(r.done)
	})
}
