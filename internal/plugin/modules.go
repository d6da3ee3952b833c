package plugin

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerBridge installs the bridge.* module into a handler VM. All
// capabilities route through the Manager's injected callbacks; a nil
// callback makes the corresponding function a safe no-op.
//
//	bridge.online_clients() -> {"survival", "qqbot", ...}
//	bridge.send(player, message [, receiver])
//	bridge.command(target, cmd) -> result | nil, error_message
//	bridge.cancel()  -- suppress the default broadcast of the current message
//	bridge.log(text)
func (m *Manager) registerBridge(L *lua.LState) {
	tbl := L.NewTable()

	L.SetField(tbl, "online_clients", L.NewFunction(func(L *lua.LState) int {
		out := L.NewTable()
		if m.OnlineClients != nil {
			for _, name := range m.OnlineClients() {
				out.Append(lua.LString(name))
			}
		}
		L.Push(out)
		return 1
	}))

	L.SetField(tbl, "send", L.NewFunction(func(L *lua.LState) int {
		player := L.CheckString(1)
		message := L.CheckString(2)
		receiver := L.OptString(3, "")
		if m.SendChat != nil {
			m.SendChat(player, message, receiver)
		}
		return 0
	}))

	L.SetField(tbl, "command", L.NewFunction(func(L *lua.LState) int {
		target := L.CheckString(1)
		command := L.CheckString(2)
		if m.Command == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("commands unavailable"))
			return 2
		}
		result, err := m.Command(target, command)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(result))
		return 1
	}))

	L.SetField(tbl, "cancel", L.NewFunction(func(L *lua.LState) int {
		m.cancelCurrent()
		return 0
	}))

	L.SetField(tbl, "log", L.NewFunction(func(L *lua.LState) int {
		m.logger.Info("plugin", zap.String("text", L.CheckString(1)))
		return 0
	}))

	L.SetGlobal("bridge", tbl)
}
