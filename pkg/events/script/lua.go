// Package script implements the embedded scripting flavor of the event
// host using a Lua VM. Compilation produces a shareable function prototype;
// every invocation runs on a fresh interpreter state so script code never
// observes concurrent mutation of its context.
package script

import (
	"bytes"
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	luaparse "github.com/yuin/gopher-lua/parse"

	"relayd/pkg/document"
	"relayd/pkg/events"
)

// Engine compiles Lua handler sources.
type Engine struct{}

// New creates the Lua engine.
func New() *Engine { return &Engine{} }

// Name implements events.Engine.
func (e *Engine) Name() string { return "lua" }

// Compile parses and compiles source into a prototype. The prototype is
// immutable and shared; each Run instantiates it on its own lua.LState.
func (e *Engine) Compile(path string, source []byte) (events.Handler, error) {
	chunk, err := luaparse.Parse(bytes.NewReader(source), path)
	if err != nil {
		return nil, fmt.Errorf("script: parse %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", path, err)
	}
	return &handler{proto: proto}, nil
}

type handler struct {
	proto *lua.FunctionProto
}

// Run executes the chunk on a fresh state, then calls its exported
// Run(context) entry point. Mutations to context.data are copied back into
// ec.Data when the call returns.
func (h *handler) Run(ctx context.Context, ec *events.Context) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(h.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("script: %w", err)
	}

	run := L.GetGlobal("Run")
	fn, ok := run.(*lua.LFunction)
	if !ok {
		return events.ErrNoHandler
	}

	ctxTable := buildContext(L, ctx, ec)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ctxTable); err != nil {
		// cancel() unwinds via a raised error; the host distinguishes it
		// by inspecting ec.Cancelled().
		if ec.Cancelled() != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("script: %w", err)
	}

	if data, ok := L.GetField(ctxTable, "data").(*lua.LTable); ok {
		ec.Data = tableToDoc(data)
	}
	return nil
}

// buildContext assembles the sandbox API table handed to Run.
func buildContext(L *lua.LState, ctx context.Context, ec *events.Context) *lua.LTable {
	t := L.NewTable()

	L.SetField(t, "data", goToLua(L, map[string]interface{}(ec.Data)))
	L.SetField(t, "query", goToLua(L, ec.Query))
	if ec.Me != nil {
		L.SetField(t, "me", goToLua(L, map[string]interface{}(ec.Me)))
	} else {
		L.SetField(t, "me", lua.LNil)
	}
	L.SetField(t, "isRoot", lua.LBool(ec.IsRoot))
	L.SetField(t, "method", lua.LString(ec.Method))
	L.SetField(t, "url", lua.LString(ec.URL))
	parts := L.NewTable()
	for _, p := range ec.Parts {
		parts.Append(lua.LString(p))
	}
	L.SetField(t, "parts", parts)

	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		if ec.Log == nil {
			return 0
		}
		msg := L.CheckString(1)
		var kv map[string]interface{}
		if L.GetTop() >= 2 {
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				if m, ok := luaToGo(tbl).(map[string]interface{}); ok {
					kv = m
				}
			}
		}
		ec.Log(msg, kv)
		return 0
	}))

	L.SetField(t, "error", L.NewFunction(func(L *lua.LState) int {
		ec.Error(L.CheckString(1), L.CheckString(2))
		return 0
	}))

	L.SetField(t, "hide", L.NewFunction(func(L *lua.LState) int {
		ec.Hide(L.CheckString(1))
		return 0
	}))

	L.SetField(t, "protect", L.NewFunction(func(L *lua.LState) int {
		ec.Protect(L.CheckString(1))
		return 0
	}))

	L.SetField(t, "cancel", L.NewFunction(func(L *lua.LState) int {
		msg := L.OptString(1, "cancelled")
		status := L.OptInt(2, 400)
		ec.Cancel(msg, status)
		L.RaiseError("%s", msg)
		return 0
	}))

	L.SetField(t, "emit", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		data := luaToGo(L.Get(2))
		room := L.OptString(3, "")
		ec.EmitEvent(event, data, room)
		return 0
	}))

	L.SetField(t, "setResult", L.NewFunction(func(L *lua.LState) int {
		ec.SetResult(luaToGo(L.Get(1)))
		return 0
	}))

	L.SetField(t, "setResponseData", L.NewFunction(func(L *lua.LState) int {
		ec.SetResponseData(luaToGo(L.Get(1)))
		return 0
	}))

	L.SetField(t, "setStatusCode", L.NewFunction(func(L *lua.LState) int {
		ec.SetStatusCode(L.CheckInt(1))
		return 0
	}))

	L.SetField(t, "setHeader", L.NewFunction(func(L *lua.LState) int {
		ec.SetHeader(L.CheckString(1), L.CheckString(2))
		return 0
	}))

	L.SetField(t, "getHeader", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(ec.GetHeader(L.CheckString(1))))
		return 1
	}))

	L.SetField(t, "internal", buildInternal(L, ctx, ec))

	return t
}

// buildInternal exposes context.internal, the cross-collection in-process
// client. Failures raise Lua errors so handler code can pcall around them.
func buildInternal(L *lua.LState, ctx context.Context, ec *events.Context) lua.LValue {
	if ec.Internal == nil {
		return lua.LNil
	}
	t := L.NewTable()

	L.SetField(t, "get", L.NewFunction(func(L *lua.LState) int {
		doc, err := ec.Internal.Get(ctx, L.CheckString(1), L.CheckString(2))
		if err != nil {
			L.RaiseError("internal.get: %v", err)
		}
		L.Push(goToLua(L, map[string]interface{}(doc)))
		return 1
	}))

	L.SetField(t, "find", L.NewFunction(func(L *lua.LState) int {
		var raw map[string]interface{}
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			raw, _ = luaToGo(tbl).(map[string]interface{})
		}
		docs, err := ec.Internal.Find(ctx, L.CheckString(1), raw)
		if err != nil {
			L.RaiseError("internal.find: %v", err)
		}
		out := L.NewTable()
		for _, d := range docs {
			out.Append(goToLua(L, map[string]interface{}(d)))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(t, "post", L.NewFunction(func(L *lua.LState) int {
		body, _ := luaToGo(L.CheckTable(2)).(map[string]interface{})
		doc, err := ec.Internal.Post(ctx, L.CheckString(1), document.Doc(body))
		if err != nil {
			L.RaiseError("internal.post: %v", err)
		}
		L.Push(goToLua(L, map[string]interface{}(doc)))
		return 1
	}))

	L.SetField(t, "put", L.NewFunction(func(L *lua.LState) int {
		patch, _ := luaToGo(L.CheckTable(3)).(map[string]interface{})
		doc, err := ec.Internal.Put(ctx, L.CheckString(1), L.CheckString(2), document.Doc(patch))
		if err != nil {
			L.RaiseError("internal.put: %v", err)
		}
		L.Push(goToLua(L, map[string]interface{}(doc)))
		return 1
	}))

	L.SetField(t, "delete", L.NewFunction(func(L *lua.LState) int {
		if err := ec.Internal.Delete(ctx, L.CheckString(1), L.CheckString(2)); err != nil {
			L.RaiseError("internal.delete: %v", err)
		}
		return 0
	}))

	return t
}

func tableToDoc(t *lua.LTable) document.Doc {
	if m, ok := luaToGo(t).(map[string]interface{}); ok {
		return document.Doc(m)
	}
	return document.New()
}

// goToLua converts a JSON-shaped Go value to its Lua representation.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, goToLua(L, item))
		}
		return t
	case document.Doc:
		return goToLua(L, map[string]interface{}(val))
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value back to its JSON-shaped Go form. A table
// with only consecutive integer keys from 1 becomes a slice; anything else
// becomes a map.
func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		maxN := val.MaxN()
		if maxN > 0 {
			isArray := true
			count := 0
			val.ForEach(func(_, _ lua.LValue) { count++ })
			if count != maxN {
				isArray = false
			}
			if isArray {
				out := make([]interface{}, 0, maxN)
				for i := 1; i <= maxN; i++ {
					out = append(out, luaToGo(val.RawGetInt(i)))
				}
				return out
			}
		}
		out := make(map[string]interface{})
		val.ForEach(func(k, item lua.LValue) {
			out[fmt.Sprintf("%v", k)] = luaToGo(item)
		})
		return out
	default:
		return nil
	}
}
