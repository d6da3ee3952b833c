package plugin

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zaptest"

	"github.com/R1ckyH/chatbridge/internal/relay"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(200*time.Millisecond, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m
}

func TestLoadDirRunsOnLoad(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "greeter.lua", `
		function on_load()
			bridge.log("loaded")
		end
	`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))
	assert.Len(t, m.handlers, 1)
}

func TestLoadDirRejectsBrokenScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good.lua", `x = 1`)
	writeScript(t, dir, "oops.lua", `this is not lua`)

	m := newTestManager(t)
	err := m.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops.lua")
	// The failed load must not leave a partial handler set behind.
	assert.Empty(t, m.handlers)
}

func TestDispatchMessageReachesHandler(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "echo.lua", `
		function on_message(msg)
			bridge.send("echo", msg.client .. "/" .. msg.player .. ": " .. msg.message)
		end
	`)

	m := newTestManager(t)
	var got atomic.Value
	m.SendChat = func(player, message, receiver string) {
		got.Store(player + "|" + message + "|" + receiver)
	}
	require.NoError(t, m.LoadDir(dir))

	suppressed := m.DispatchMessage(relay.MessageInfo{
		Client:  "survival",
		Player:  "Steve",
		Message: "hi",
	})
	assert.False(t, suppressed)
	assert.Equal(t, "echo|survival/Steve: hi|", got.Load())
}

func TestBridgeCancelSuppressesBroadcast(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "filter.lua", `
		function on_message(msg)
			if string.find(msg.message, "secret") then
				bridge.cancel()
			end
		end
	`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))

	assert.True(t, m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "a secret"}))
	// The suppress flag must reset between dispatches.
	assert.False(t, m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "hello"}))
}

func TestDispatchCommandAndBridgeCalls(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "admin.lua", `
		function on_command(cmd)
			if cmd.command == "who" then
				local names = bridge.online_clients()
				bridge.send("admin", "online: " .. #names)
			elseif cmd.command == "kickall" then
				local res, err = bridge.command("survival", "kick @a")
				if err then
					bridge.log(err)
				end
			end
		end
	`)

	m := newTestManager(t)
	m.OnlineClients = func() []string { return []string{"survival", "qqbot"} }
	var sent atomic.Value
	m.SendChat = func(player, message, receiver string) { sent.Store(message) }
	var commanded atomic.Value
	m.Command = func(target, command string) (string, error) {
		commanded.Store(target + "!" + command)
		return "done", nil
	}
	require.NoError(t, m.LoadDir(dir))

	m.DispatchCommand(relay.CommandInfo{Sender: "qqbot", Command: "who"})
	assert.Equal(t, "online: 2", sent.Load())

	m.DispatchCommand(relay.CommandInfo{Sender: "qqbot", Command: "kickall"})
	assert.Equal(t, "survival!kick @a", commanded.Load())
}

func TestBudgetBoundsRunawayHook(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.lua", `
		function on_message(msg)
			while true do end
		end
	`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))

	start := time.Now()
	m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "hi"})
	// Budget is 200ms; allow generous scheduler slack but prove the loop
	// did not run unbounded.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandlerFaultIsIsolated(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a_faulty.lua", `
		function on_message(msg)
			error("boom")
		end
	`)
	writeScript(t, dir, "b_healthy.lua", `
		function on_message(msg)
			bridge.send("b", "still here")
		end
	`)

	m := newTestManager(t)
	var sent atomic.Value
	m.SendChat = func(player, message, receiver string) { sent.Store(message) }
	require.NoError(t, m.LoadDir(dir))

	m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "hi"})
	assert.Equal(t, "still here", sent.Load(), "healthy handler must run despite the fault")
}

func TestSandboxStripsDangerousGlobals(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "probe.lua", `
		assert(dofile == nil)
		assert(loadfile == nil)
		assert(load == nil)
		assert(require == nil)
		assert(os == nil)
		assert(io == nil)
	`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))
}

func TestLoadDirHotReloadsHandlers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "h.lua", `
		function on_message(msg)
			bridge.send("h", "v1")
		end
	`)

	m := newTestManager(t)
	var sent atomic.Value
	m.SendChat = func(player, message, receiver string) { sent.Store(message) }
	require.NoError(t, m.LoadDir(dir))

	m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "x"})
	assert.Equal(t, "v1", sent.Load())

	writeScript(t, dir, "h.lua", `
		function on_message(msg)
			bridge.send("h", "v2")
		end
	`)
	require.NoError(t, m.LoadDir(dir))

	m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "x"})
	assert.Equal(t, "v2", sent.Load())
}

func TestConcurrentDispatchIsSerialized(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "count.lua", `
		hits = 0
		function on_message(msg)
			hits = hits + 1
			if string.find(msg.message, "secret") then
				bridge.cancel()
			end
		end
	`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))

	// Two sessions route into the same handler at once. The single-threaded
	// VM must see the dispatches one at a time, and each caller must get the
	// suppress outcome of its own message, not its neighbour's.
	const rounds = 50
	var wg sync.WaitGroup
	var suppressed, passed atomic.Int32
	for _, text := range []string{"a secret", "hello"} {
		text := text
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: text}) {
					suppressed.Add(1)
				} else {
					passed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(rounds), suppressed.Load())
	assert.Equal(t, int32(rounds), passed.Load())
	assert.Equal(t, lua.LNumber(2*rounds), m.handlers[0].L.GetGlobal("hits"))
}

func TestMissingHookIsFine(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "empty.lua", `x = 1`)

	m := newTestManager(t)
	require.NoError(t, m.LoadDir(dir))

	assert.NotPanics(t, func() {
		m.DispatchMessage(relay.MessageInfo{Client: "survival", Message: "hi"})
		m.DispatchCommand(relay.CommandInfo{Sender: "qqbot", Command: "who"})
	})
}
