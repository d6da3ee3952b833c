package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/relay"
)

// Hook names a script may define.
const (
	hookOnLoad    = "on_load"
	hookOnMessage = "on_message"
	hookOnCommand = "on_command"
)

// handler is one loaded script and its private VM.
type handler struct {
	name string
	L    *lua.LState
}

// Manager owns one sandboxed LState per handler script and dispatches relay
// events into them. It implements relay.EventDispatcher.
//
// Dispatch is serialized under dispatchMu: each LState is single-threaded,
// sessions route concurrently, and the suppress flag raised by
// bridge.cancel() belongs to exactly one dispatch at a time. A hook that
// overruns the wall-clock budget is cancelled at its next opcode boundary; a
// hook that errors is logged and isolated from the router and from other
// handlers.
type Manager struct {
	// dispatchMu is held for the whole of every dispatch and across a
	// hot-reload swap, so no two goroutines ever drive the same VM. It is a
	// different lock from mu because bridge.cancel() takes mu mid-hook.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	handlers []*handler

	budget time.Duration
	logger *zap.Logger

	// Injected after construction. nil = no-op in the bridge.* module.
	OnlineClients func() []string
	SendChat      func(player, message, receiver string)
	Command       func(target, command string) (string, error)

	// suppress is raised by bridge.cancel() during a message dispatch.
	suppress bool
}

// NewManager creates a Manager with the given per-hook wall-clock budget.
//
// Precondition: logger must be non-nil; budget > 0.
func NewManager(budget time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		budget: budget,
		logger: logger,
	}
}

// LoadDir loads every *.lua file in dir in lexicographic order, replacing
// any previously loaded set: calling it again is the hot-reload path. Each
// script gets a fresh sandboxed VM and has its on_load hook run under the
// budget.
//
// Precondition: dir must be a readable directory.
// Postcondition: On success the new handler set is live and the old VMs are
// closed; on error the previous set stays in place.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("plugin: reading handler dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var loaded []*handler
	for _, path := range files {
		L := NewSandboxedState()
		m.registerBridge(L)
		if err := L.DoFile(path); err != nil {
			for _, h := range loaded {
				h.L.Close()
			}
			L.Close()
			return fmt.Errorf("plugin: loading %q: %w", path, err)
		}
		loaded = append(loaded, &handler{name: filepath.Base(path), L: L})
	}

	// The swap waits for any in-flight dispatch: a VM must never be closed
	// while a hook is running in it.
	m.dispatchMu.Lock()
	m.mu.Lock()
	old := m.handlers
	m.handlers = loaded
	m.mu.Unlock()
	for _, h := range old {
		h.L.Close()
	}
	for _, h := range loaded {
		m.invoke(h, hookOnLoad)
	}
	m.dispatchMu.Unlock()

	m.logger.Info("plugin handlers loaded",
		zap.Int("count", len(loaded)),
		zap.String("dir", dir),
	)
	return nil
}

// Close releases every handler VM.
func (m *Manager) Close() {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		h.L.Close()
	}
	m.handlers = nil
}

// DispatchMessage shows a chat message to every handler's on_message hook.
// Reports whether any handler called bridge.cancel() to suppress the
// default broadcast.
func (m *Manager) DispatchMessage(info relay.MessageInfo) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	handlers := m.handlers
	m.suppress = false
	m.mu.Unlock()

	for _, h := range handlers {
		tbl := h.L.NewTable()
		h.L.SetField(tbl, "client", lua.LString(info.Client))
		h.L.SetField(tbl, "player", lua.LString(info.Player))
		h.L.SetField(tbl, "message", lua.LString(info.Message))
		h.L.SetField(tbl, "receiver", lua.LString(info.Receiver))
		m.invoke(h, hookOnMessage, tbl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppress
}

// DispatchCommand shows a command request to every handler's on_command hook.
func (m *Manager) DispatchCommand(info relay.CommandInfo) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	handlers := m.handlers
	m.mu.Unlock()

	for _, h := range handlers {
		tbl := h.L.NewTable()
		h.L.SetField(tbl, "sender", lua.LString(info.Sender))
		h.L.SetField(tbl, "command", lua.LString(info.Command))
		m.invoke(h, hookOnCommand, tbl)
	}
}

// invoke calls one hook in one handler under the wall-clock budget. Missing
// hooks are fine; Lua runtime errors and budget overruns are logged at Warn
// and never propagated.
func (m *Manager) invoke(h *handler, hook string, args ...lua.LValue) {
	fn := h.L.GetGlobal(hook)
	if fn == lua.LNil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.budget)
	h.L.SetContext(ctx)
	err := h.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, args...)
	cancel()
	h.L.RemoveContext()

	if err != nil {
		m.logger.Warn("plugin handler fault",
			zap.String("handler", h.name),
			zap.String("hook", hook),
			zap.Error(err),
		)
	}
}

// cancelCurrent is bridge.cancel(): suppress the default broadcast for the
// message currently being dispatched.
func (m *Manager) cancelCurrent() {
	m.mu.Lock()
	m.suppress = true
	m.mu.Unlock()
}
