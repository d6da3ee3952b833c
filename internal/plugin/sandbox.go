// Package plugin runs externally supplied ChatBridge handlers as sandboxed
// GopherLua scripts. Handlers implement up to three hooks (on_load,
// on_message, on_command) and act on the relay only through the injected
// bridge module.
package plugin

import (
	lua "github.com/yuin/gopher-lua"
)

// NewSandboxedState creates a GopherLua LState with only the safe standard
// libraries loaded (base, table, string, math) and the escape hatches left
// by the base library removed. The os, io, debug, and coroutine libraries
// are never opened.
//
// Execution time is not bounded here; the Manager applies a wall-clock
// budget per hook invocation via the LState context.
//
// Postcondition: Returns a non-nil LState. The caller owns it and must call
// L.Close() when done.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // must be first
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.f),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.n)); err != nil {
			panic(err)
		}
	}

	// Strip the escape hatches the base and package libraries leave behind.
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}
