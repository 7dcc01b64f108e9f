// Package luaengine is a reference provider engine that runs provider
// bundles as sandboxed Lua scripts.
//
// A bundle is a Lua source that defines a global `check(task)` function.
// The script reports through a small registered API instead of
// returning values:
//
//	trace(msg)                 -- progress line
//	set_result(tbl)            -- one result entry (success/error markers)
//	save_data(json), load_data() -- session data passthrough
//	retrieve_code{type=..., prompt=..., time=...} -- out-of-band input
//	prefs()                    -- preference table snapshot
package luaengine

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"checkd/internal/engine"
	"checkd/internal/model"
)

type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Load(ctx context.Context, data []byte) (engine.Bundle, error) {
	if len(data) == 0 {
		return nil, errors.New("luaengine: empty provider payload")
	}
	return &bundle{src: string(data)}, nil
}

type bundle struct {
	src string
}

func (b *bundle) Execute(ctx context.Context, p engine.ExecuteParams) ([]model.Result, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)

	run := &scriptRun{L: L, ctx: ctx, p: p}
	run.registerAPI()

	if err := L.DoString(b.src); err != nil {
		return nil, fmt.Errorf("luaengine: load script: %w", err)
	}
	check := L.GetGlobal("check")
	if check == lua.LNil {
		return nil, errors.New("luaengine: script must define a 'check' function")
	}

	L.Push(check)
	L.Push(lua.LString(p.Task))
	if err := L.PCall(1, 0, nil); err != nil {
		if run.retrieveErr != nil {
			return run.results, run.retrieveErr
		}
		return run.results, fmt.Errorf("luaengine: check failed: %w", err)
	}
	return run.results, nil
}

// openSafeLibs loads base/table/string/math and strips filesystem and
// code-loading escapes.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use trace() instead
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

type scriptRun struct {
	L   *lua.LState
	ctx context.Context
	p   engine.ExecuteParams

	results []model.Result
	// retrieveErr keeps the sink error (timeout/cancel) that aborted the
	// script, so the caller sees it instead of a generic lua error.
	retrieveErr error
}

func (r *scriptRun) registerAPI() {
	L := r.L
	L.SetGlobal("trace", L.NewFunction(r.luaTrace))
	L.SetGlobal("set_result", L.NewFunction(r.luaSetResult))
	L.SetGlobal("save_data", L.NewFunction(r.luaSaveData))
	L.SetGlobal("load_data", L.NewFunction(r.luaLoadData))
	L.SetGlobal("retrieve_code", L.NewFunction(r.luaRetrieveCode))
	L.SetGlobal("prefs", L.NewFunction(r.luaPrefs))
}

func (r *scriptRun) luaTrace(L *lua.LState) int {
	msg := L.CheckString(1)
	if r.p.Trace != nil {
		_ = r.p.Trace.Trace(r.ctx, msg, "lua")
	}
	return 0
}

func (r *scriptRun) luaSetResult(L *lua.LState) int {
	tbl := L.CheckTable(1)
	res, ok := luaToGo(tbl).(map[string]any)
	if !ok {
		L.ArgError(1, "result must be a table with string keys")
		return 0
	}
	entry := model.Result(res)
	r.results = append(r.results, entry)
	if r.p.Result != nil {
		_ = r.p.Result.SetResult(r.ctx, entry)
	}
	return 0
}

func (r *scriptRun) luaSaveData(L *lua.LState) int {
	data := L.CheckString(1)
	if r.p.Storage != nil {
		if err := r.p.Storage.SaveData(r.ctx, data); err != nil {
			L.RaiseError("save_data: %v", err)
		}
	}
	return 0
}

func (r *scriptRun) luaLoadData(L *lua.LState) int {
	var data string
	if r.p.Storage != nil {
		var err error
		data, err = r.p.Storage.LoadData(r.ctx)
		if err != nil {
			L.RaiseError("load_data: %v", err)
		}
	}
	L.Push(lua.LString(data))
	return 1
}

func (r *scriptRun) luaRetrieveCode(L *lua.LState) int {
	tbl := L.CheckTable(1)
	params := model.CodeParams{Type: model.CodeTypeCode}
	if v := L.GetField(tbl, "type"); v != lua.LNil {
		params.Type = model.CodeType(lua.LVAsString(v))
	}
	if v := L.GetField(tbl, "prompt"); v != lua.LNil {
		params.Prompt = lua.LVAsString(v)
	}
	if v := L.GetField(tbl, "time"); v != lua.LNil {
		params.TimeMS = int64(lua.LVAsNumber(v))
	}
	if v := L.GetField(tbl, "input_type"); v != lua.LNil {
		params.InputType = lua.LVAsString(v)
	}
	if v := L.GetField(tbl, "image"); v != lua.LNil {
		params.Image = lua.LVAsString(v)
	}

	if r.p.Retrieve == nil {
		L.RaiseError("retrieve_code: no retrieve sink")
		return 0
	}
	val, err := r.p.Retrieve.Retrieve(r.ctx, params)
	if err != nil {
		r.retrieveErr = err
		L.RaiseError("retrieve_code: %v", err)
		return 0
	}
	L.Push(lua.LString(val))
	return 1
}

func (r *scriptRun) luaPrefs(L *lua.LState) int {
	L.Push(goToLua(L, r.p.Preferences))
	return 1
}

// luaToGo converts a lua value into the JSON-shaped any types the rest
// of the core works with. Tables with only consecutive integer keys
// become slices, everything else becomes a string-keyed map.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		maxN := x.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, luaToGo(x.RawGetInt(i)))
			}
			return arr
		}
		m := map[string]any{}
		x.ForEach(func(k, vv lua.LValue) {
			m[lua.LVAsString(k)] = luaToGo(vv)
		})
		return m
	default:
		return nil
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		tbl := L.NewTable()
		for i, e := range x {
			tbl.RawSetInt(i+1, goToLua(L, e))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, e := range x {
			tbl.RawSetString(k, goToLua(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}
